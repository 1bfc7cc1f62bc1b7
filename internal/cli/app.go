package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmworkbench/internal/config"
	"github.com/javanstorm/vmworkbench/internal/metrics"
	"github.com/javanstorm/vmworkbench/internal/profile"
	"github.com/javanstorm/vmworkbench/internal/storage"
	"github.com/javanstorm/vmworkbench/internal/vm"
	"github.com/javanstorm/vmworkbench/pkg/hypervisor"
)

// app is what a command needs to drive the VM.
type app struct {
	cfg   *config.Config
	paths *config.Paths
	store *storage.Backend
	orch  *vm.Orchestrator
}

func currentConfig() *config.Config {
	if config.Global != nil {
		return config.Global
	}
	return config.DefaultConfig()
}

// openStore returns an orchestrator that only serves storage commands.
func openStore() (*app, error) {
	cfg := currentConfig()
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	opts, err := cfg.StorageOptions()
	if err != nil {
		return nil, err
	}
	store := storage.New(opts)
	orch := vm.New(vm.Config{RecordDir: paths.DataDir}, store, nil)
	return &app{cfg: cfg, paths: paths, store: store, orch: orch}, nil
}

// openVM prepares an orchestrator able to boot the configured machine.
// It fails on fatal config issues and logs the rest as warnings.
func openVM(collector *metrics.Collector) (*app, error) {
	cfg := currentConfig()
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}
	if cfg.ProfilesFile != "" {
		if _, err := profile.RegisterFile(cfg.ProfilesFile); err != nil {
			return nil, err
		}
	}

	runDir := filepath.Join(paths.DataDir, "run")
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	factory := hypervisor.NewFactory(hypervisor.Options{
		QEMUBinary: cfg.QEMUBinary,
		WorkDir:    runDir,
	})

	var caps hypervisor.Capabilities
	if drv, err := factory(); err == nil {
		caps = drv.Capabilities()
		info := drv.Info()
		logrus.WithFields(logrus.Fields{"engine": info.Name, "arch": info.Arch}).Debug("engine available")
	} else {
		logrus.WithError(err).Warn("engine unavailable")
		caps = hypervisor.Capabilities{Snapshots: true, Networking: true}
	}
	issues := config.ValidateConfig(cfg, caps)
	if len(issues) > 0 {
		logrus.Warn(strings.TrimSpace(config.FormatValidationErrors(issues)))
	}
	if config.HasFatal(issues) {
		return nil, fmt.Errorf("invalid configuration")
	}

	machine, err := cfg.Machine(paths.ImageDir())
	if err != nil {
		return nil, err
	}
	opts, err := cfg.StorageOptions()
	if err != nil {
		return nil, err
	}
	store := storage.New(opts)

	orch := vm.New(vm.Config{
		Machine:      machine,
		StartTimeout: cfg.StartTimeout,
		LineDelay:    cfg.Serial.LineDelay,
		RecordDir:    paths.DataDir,
	}, store, factory, vm.WithMetrics(collector))
	return &app{cfg: cfg, paths: paths, store: store, orch: orch}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logrus.WithError(err).Warn("close state storage")
	}
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "serve.pid")
}

// servePID reports the PID of a running serve process.
func servePID(dataDir string) (int, bool) {
	data, err := os.ReadFile(pidFilePath(dataDir))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	// Check if process is running
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

// writePIDFile creates a PID file for the current process.
func writePIDFile(dataDir string) error {
	return os.WriteFile(pidFilePath(dataDir), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// cleanupPIDFile removes the PID file.
func cleanupPIDFile(dataDir string) {
	os.Remove(pidFilePath(dataDir))
}
