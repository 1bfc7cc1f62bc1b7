//go:build linux

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	qmpConnectTimeout = 30 * time.Second
	qemuQuitTimeout   = 5 * time.Second
)

// qemuDriver implements Driver by supervising a qemu-system process.
// Serial I/O flows over the process stdio; control flows over QMP.
type qemuDriver struct {
	mu      sync.Mutex
	opMu    sync.Mutex // serializes save and restore
	binary  string
	baseDir string
	workDir string
	cfg     *VMConfig
	events  Events
	state   driverState
	proc    *qemuProcess
	launchN int
}

type driverState int

const (
	stateNew driverState = iota
	stateRunning
	stateStopped
)

// qemuProcess is one qemu-system invocation.
type qemuProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	qmp      *qmpClient
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopping atomic.Bool
}

// NewDriver creates a QEMU-based driver for Linux.
func NewDriver(opts Options) (Driver, error) {
	binary := opts.QEMUBinary
	if binary == "" {
		binary = qemuBinaryName(runtime.GOARCH)
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEngineNotFound, binary, err)
	}
	return &qemuDriver{
		binary:  path,
		baseDir: opts.WorkDir,
		state:   stateNew,
	}, nil
}

func qemuBinaryName(arch string) string {
	switch arch {
	case "arm64":
		return "qemu-system-aarch64"
	default:
		return "qemu-system-x86_64"
	}
}

func (d *qemuDriver) Info() Info {
	return Info{
		Name:    "qemu",
		Version: "1.0.0",
		Arch:    runtime.GOARCH,
	}
}

func (d *qemuDriver) Validate(ctx context.Context, cfg *VMConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, p := range []string{cfg.Kernel, cfg.Initrd, cfg.Firmware, cfg.DiskPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("qemuDriver: %w", err)
		}
	}
	return nil
}

func (d *qemuDriver) Start(ctx context.Context, cfg *VMConfig, events Events) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == stateRunning {
		return ErrAlreadyRunning
	}

	workDir, err := os.MkdirTemp(d.baseDir, "qemu-")
	if err != nil {
		return fmt.Errorf("qemuDriver: create work dir: %w", err)
	}
	d.cfg = cfg
	d.events = events

	proc, err := d.launchLocked(ctx, workDir, "")
	if err != nil {
		os.RemoveAll(workDir)
		return err
	}
	d.workDir = workDir
	d.proc = proc
	d.state = stateRunning

	go d.announce(proc)
	return nil
}

// announce reports Started once QMP says the guest runs.
func (d *qemuDriver) announce(proc *qemuProcess) {
	ctx, cancel := context.WithTimeout(context.Background(), qmpConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-proc.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := proc.qmp.waitRunning(ctx); err != nil {
		if !proc.stopping.Load() {
			logrus.WithError(err).Warn("qemu did not reach running state")
		}
		return
	}
	d.events.Started()
}

// launchLocked starts qemu-system and connects to its QMP socket. incoming
// names a saved state file to load instead of booting fresh. ctx bounds the
// connection; the process itself outlives it.
func (d *qemuDriver) launchLocked(ctx context.Context, workDir, incoming string) (*qemuProcess, error) {
	d.launchN++
	sock := filepath.Join(workDir, "qmp-"+strconv.Itoa(d.launchN)+".sock")

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, d.binary, qemuArgs(d.cfg, sock, incoming)...)
	stderr := logrus.WithField("component", "qemu").WriterLevel(logrus.DebugLevel)
	cmd.Stderr = stderr
	cmd.WaitDelay = qemuQuitTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		stderr.Close()
		return nil, fmt.Errorf("qemuDriver: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		stderr.Close()
		return nil, fmt.Errorf("qemuDriver: stdout pipe: %w", err)
	}

	logrus.WithField("args", strings.Join(cmd.Args, " ")).Debug("launching qemu")
	if err := cmd.Start(); err != nil {
		cancel()
		stderr.Close()
		return nil, fmt.Errorf("qemuDriver: start %s: %w", d.binary, err)
	}

	proc := &qemuProcess{
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	events := d.events
	var g errgroup.Group
	g.Go(func() error {
		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			for _, b := range buf[:n] {
				events.SerialByte(b)
			}
			if err != nil {
				return nil
			}
		}
	})
	g.Go(cmd.Wait)

	go func() {
		proc.err = g.Wait()
		stderr.Close()
		close(proc.done)
		if !proc.stopping.Load() {
			events.Exited(proc.err)
		}
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, qmpConnectTimeout)
	defer dialCancel()
	go func() {
		select {
		case <-proc.done:
			dialCancel()
		case <-dialCtx.Done():
		}
	}()
	qmp, err := dialQMP(dialCtx, sock)
	if err != nil {
		proc.stopping.Store(true)
		cancel()
		<-proc.done
		return nil, fmt.Errorf("qemuDriver: %w", err)
	}
	proc.qmp = qmp
	return proc, nil
}

func qemuArgs(cfg *VMConfig, qmpSocket, incoming string) []string {
	args := []string{
		"-nodefaults",
		"-no-user-config",
		"-display", "none",
		"-serial", "stdio",
		"-qmp", "unix:" + qmpSocket + ",server=on,wait=off",
		"-m", strconv.Itoa(cfg.MemoryMB),
		"-smp", strconv.Itoa(cfg.CPUs),
		"-kernel", cfg.Kernel,
	}
	if runtime.GOARCH == "arm64" {
		args = append(args, "-machine", "virt", "-cpu", "max")
	}
	if unix.Access("/dev/kvm", unix.R_OK|unix.W_OK) == nil {
		args = append(args, "-enable-kvm")
	}
	if cfg.Firmware != "" {
		args = append(args, "-bios", cfg.Firmware)
	}
	if cfg.Initrd != "" {
		args = append(args, "-initrd", cfg.Initrd)
	}
	if cfg.Cmdline != "" {
		args = append(args, "-append", cfg.Cmdline)
	}
	if cfg.DiskPath != "" {
		args = append(args, "-drive", "file="+cfg.DiskPath+",format=raw,if=virtio")
	}
	if cfg.EnableNetwork {
		args = append(args, "-nic", "user,model=virtio-net-pci")
	}
	if incoming != "" {
		args = append(args, "-incoming", "exec:cat "+shellQuote(incoming))
	}
	return args
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (d *qemuDriver) current() (*qemuProcess, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateRunning || d.proc == nil {
		return nil, "", ErrNotRunning
	}
	return d.proc, d.workDir, nil
}

func (d *qemuDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	proc := d.proc
	workDir := d.workDir
	d.proc = nil
	if d.state != stateRunning {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.state = stateStopped
	d.mu.Unlock()

	err := terminate(ctx, proc)
	if rmErr := os.RemoveAll(workDir); rmErr != nil {
		logrus.WithError(rmErr).Warn("remove qemu work dir")
	}
	return err
}

// terminate asks QEMU to quit and kills it if it lingers.
func terminate(ctx context.Context, proc *qemuProcess) error {
	if proc == nil {
		return nil
	}
	proc.stopping.Store(true)

	quitCtx, cancel := context.WithTimeout(ctx, qemuQuitTimeout)
	defer cancel()
	if err := proc.qmp.Execute(quitCtx, "quit", nil, nil); err != nil {
		logrus.WithError(err).Debug("qmp quit failed, killing qemu")
	}
	proc.qmp.Close()
	proc.stdin.Close()

	select {
	case <-proc.done:
	case <-quitCtx.Done():
	}
	proc.cancel()
	<-proc.done
	return nil
}

func (d *qemuDriver) SaveState(ctx context.Context) ([]byte, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	proc, workDir, err := d.current()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(workDir, "save.state")
	defer os.Remove(path)

	if err := proc.qmp.Execute(ctx, "stop", nil, nil); err != nil {
		return nil, fmt.Errorf("qemuDriver: pause: %w", err)
	}
	defer func() {
		contCtx, cancel := context.WithTimeout(context.Background(), qemuQuitTimeout)
		defer cancel()
		if err := proc.qmp.Execute(contCtx, "cont", nil, nil); err != nil {
			logrus.WithError(err).Warn("qemu resume after save failed")
		}
	}()

	args := map[string]string{"uri": "exec:cat > " + shellQuote(path)}
	if err := proc.qmp.Execute(ctx, "migrate", args, nil); err != nil {
		return nil, fmt.Errorf("qemuDriver: migrate: %w", err)
	}
	if err := proc.qmp.waitMigration(ctx); err != nil {
		return nil, fmt.Errorf("qemuDriver: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("qemuDriver: read saved state: %w", err)
	}
	return data, nil
}

func (d *qemuDriver) RestoreState(ctx context.Context, state []byte) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	old, workDir, err := d.current()
	if err != nil {
		return err
	}

	path := filepath.Join(workDir, "restore.state")
	if err := os.WriteFile(path, state, 0o600); err != nil {
		return fmt.Errorf("qemuDriver: write restore file: %w", err)
	}
	defer os.Remove(path)

	if err := terminate(ctx, old); err != nil {
		return err
	}

	d.mu.Lock()
	if d.proc != old {
		d.mu.Unlock()
		return ErrNotRunning
	}
	proc, err := d.launchLocked(ctx, workDir, path)
	if err != nil {
		d.proc = nil
		d.state = stateStopped
		d.mu.Unlock()
		return err
	}
	d.proc = proc
	d.mu.Unlock()

	if err := proc.qmp.waitRunning(ctx); err != nil {
		return fmt.Errorf("qemuDriver: incoming migration: %w", err)
	}
	return nil
}

func (d *qemuDriver) SendSerial(p []byte) error {
	proc, _, err := d.current()
	if err != nil {
		return err
	}
	if _, err := proc.stdin.Write(p); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrNotRunning
		}
		return fmt.Errorf("qemuDriver: write serial: %w", err)
	}
	return nil
}

func (d *qemuDriver) Capabilities() Capabilities {
	return Capabilities{
		Snapshots:  true,
		Networking: true,
	}
}
