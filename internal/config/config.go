package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/javanstorm/vmworkbench/internal/distro"
	"github.com/javanstorm/vmworkbench/internal/serial"
	"github.com/javanstorm/vmworkbench/internal/storage"
	"github.com/javanstorm/vmworkbench/pkg/hypervisor"
)

// EnvPrefix prefixes environment overrides, e.g. VMWORKBENCH_MEMORY_MB.
const EnvPrefix = "VMWORKBENCH"

// Config holds all vmworkbench configuration.
type Config struct {
	// Distro selects the guest image layout and kernel command line.
	Distro string `mapstructure:"distro" yaml:"distro"`

	// CPUs is the number of virtual CPUs allocated to the VM.
	CPUs int `mapstructure:"cpus" yaml:"cpus"`

	// MemoryMB is the amount of RAM in megabytes allocated to the VM.
	MemoryMB int `mapstructure:"memory_mb" yaml:"memory_mb"`

	// Kernel, Initrd, Firmware and Filesystem override the distro images.
	Kernel     string `mapstructure:"kernel" yaml:"kernel,omitempty"`
	Initrd     string `mapstructure:"initrd" yaml:"initrd,omitempty"`
	Firmware   string `mapstructure:"firmware" yaml:"firmware,omitempty"`
	Filesystem string `mapstructure:"filesystem" yaml:"filesystem,omitempty"`

	// Cmdline overrides the distro kernel command line.
	Cmdline string `mapstructure:"cmdline" yaml:"cmdline,omitempty"`

	// EnableNetwork attaches a NAT network device.
	EnableNetwork bool `mapstructure:"enable_network" yaml:"enable_network"`

	// StateDir is the private snapshot directory.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`

	// DefaultState is the state ID used when none is given.
	DefaultState string `mapstructure:"default_state" yaml:"default_state"`

	// StartTimeout bounds engine boot.
	StartTimeout time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`

	// AutosaveInterval saves the default state periodically in serve mode.
	// Zero disables autosave.
	AutosaveInterval time.Duration `mapstructure:"autosave_interval" yaml:"autosave_interval"`

	// SaveOnExit saves the default state when serve mode shuts down.
	SaveOnExit bool `mapstructure:"save_on_exit" yaml:"save_on_exit"`

	// QEMUBinary overrides the qemu-system binary on Linux.
	QEMUBinary string `mapstructure:"qemu_binary" yaml:"qemu_binary,omitempty"`

	// ProfilesFile registers extra profiles from a YAML file.
	ProfilesFile string `mapstructure:"profiles_file" yaml:"profiles_file,omitempty"`

	// LogLevel is a logrus level name.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	Serial   SerialConfig   `mapstructure:"serial" yaml:"serial"`
	Snapshot SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	SSH      SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// SerialConfig tunes script injection.
type SerialConfig struct {
	LineDelay time.Duration `mapstructure:"line_delay" yaml:"line_delay"`
}

// SnapshotConfig selects how states are encoded at rest.
type SnapshotConfig struct {
	Compression      string `mapstructure:"compression" yaml:"compression"`
	Passphrase       string `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
	ScryptWorkFactor int    `mapstructure:"scrypt_work_factor" yaml:"scrypt_work_factor,omitempty"`
}

// StorageConfig limits the state directory.
type StorageConfig struct {
	// QuotaBytes caps state storage. Zero means the filesystem limit.
	QuotaBytes uint64 `mapstructure:"quota_bytes" yaml:"quota_bytes"`
}

// SSHConfig configures the SSH console in serve mode.
type SSHConfig struct {
	// Listen is the console address. Empty disables the SSH console.
	Listen         string `mapstructure:"listen" yaml:"listen"`
	AuthorizedKeys string `mapstructure:"authorized_keys" yaml:"authorized_keys"`
	HostKey        string `mapstructure:"host_key" yaml:"host_key"`
}

// MetricsConfig configures the Prometheus endpoint in serve mode.
type MetricsConfig struct {
	// Listen is the metrics address. Empty disables metrics.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		paths = &Paths{DataDir: "/tmp/vmworkbench"}
	}
	return defaultsFor(paths)
}

func defaultsFor(paths *Paths) *Config {
	return &Config{
		Distro:        string(distro.DefaultID()),
		CPUs:          runtime.NumCPU(),
		MemoryMB:      2048,
		EnableNetwork: true,
		StateDir:      paths.StateDir(),
		DefaultState:  storage.DefaultID,
		StartTimeout:  2 * time.Minute,
		LogLevel:      "info",
		Serial:        SerialConfig{LineDelay: serial.DefaultLineDelay},
		Snapshot:      SnapshotConfig{Compression: storage.CompressionZstd.String()},
		SSH: SSHConfig{
			AuthorizedKeys: filepath.Join(paths.SSHDir(), "authorized_keys"),
			HostKey:        filepath.Join(paths.SSHDir(), "host_ed25519"),
		},
	}
}

// SetDefaults registers the defaults for every key on v.
func SetDefaults(v *viper.Viper, paths *Paths) {
	d := defaultsFor(paths)
	v.SetDefault("distro", d.Distro)
	v.SetDefault("cpus", d.CPUs)
	v.SetDefault("memory_mb", d.MemoryMB)
	v.SetDefault("kernel", d.Kernel)
	v.SetDefault("initrd", d.Initrd)
	v.SetDefault("firmware", d.Firmware)
	v.SetDefault("filesystem", d.Filesystem)
	v.SetDefault("cmdline", d.Cmdline)
	v.SetDefault("enable_network", d.EnableNetwork)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("default_state", d.DefaultState)
	v.SetDefault("start_timeout", d.StartTimeout)
	v.SetDefault("autosave_interval", d.AutosaveInterval)
	v.SetDefault("save_on_exit", d.SaveOnExit)
	v.SetDefault("qemu_binary", d.QEMUBinary)
	v.SetDefault("profiles_file", d.ProfilesFile)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("serial.line_delay", d.Serial.LineDelay)
	v.SetDefault("snapshot.compression", d.Snapshot.Compression)
	v.SetDefault("snapshot.passphrase", d.Snapshot.Passphrase)
	v.SetDefault("snapshot.scrypt_work_factor", d.Snapshot.ScryptWorkFactor)
	v.SetDefault("storage.quota_bytes", d.Storage.QuotaBytes)
	v.SetDefault("ssh.listen", d.SSH.Listen)
	v.SetDefault("ssh.authorized_keys", d.SSH.AuthorizedKeys)
	v.SetDefault("ssh.host_key", d.SSH.HostKey)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

// Global holds the loaded configuration.
var Global *Config

// Load reads configuration from file, environment, and defaults into Global
// using the process-wide viper instance. configFile, when set, replaces the
// search path.
func Load(configFile string) error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to determine paths: %w", err)
	}
	cfg, err := LoadFrom(viper.GetViper(), paths, configFile)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// LoadFrom reads configuration through v.
func LoadFrom(v *viper.Viper, paths *Paths, configFile string) (*Config, error) {
	SetDefaults(v, paths)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(paths.DataDir)
		v.AddConfigPath(paths.ConfigDir)
	}

	// Environment variable support: VMWORKBENCH_CPUS, VMWORKBENCH_SSH_LISTEN, etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the path of the config file being used, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// Machine resolves the VM definition: distro images under imageDir, then
// explicit overrides from the config.
func (c *Config) Machine(imageDir string) (hypervisor.VMConfig, error) {
	id, err := distro.ParseID(c.Distro)
	if err != nil {
		return hypervisor.VMConfig{}, err
	}
	provider, err := distro.Get(id)
	if err != nil {
		return hypervisor.VMConfig{}, err
	}
	arch := distro.CurrentArch()
	images, err := provider.Images(imageDir, arch)
	if err != nil {
		return hypervisor.VMConfig{}, err
	}

	m := hypervisor.VMConfig{
		CPUs:          c.CPUs,
		MemoryMB:      c.MemoryMB,
		Kernel:        images.Kernel,
		Initrd:        images.Initrd,
		Firmware:      images.Firmware,
		DiskPath:      images.Disk,
		Cmdline:       provider.BootConfig(arch).Cmdline,
		EnableNetwork: c.EnableNetwork,
	}
	override(&m.Kernel, c.Kernel)
	override(&m.Initrd, c.Initrd)
	override(&m.Firmware, c.Firmware)
	override(&m.DiskPath, c.Filesystem)
	override(&m.Cmdline, c.Cmdline)
	return m, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// StorageOptions builds the snapshot backend options.
func (c *Config) StorageOptions() (storage.Options, error) {
	comp, err := storage.ParseCompression(c.Snapshot.Compression)
	if err != nil {
		return storage.Options{}, err
	}
	return storage.Options{
		Root:             c.StateDir,
		Compression:      comp,
		Passphrase:       c.Snapshot.Passphrase,
		ScryptWorkFactor: c.Snapshot.ScryptWorkFactor,
		QuotaBytes:       c.Storage.QuotaBytes,
	}, nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Snapshot.Passphrase != "" {
		out.Snapshot.Passphrase = "********"
	}
	return &out
}
