package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmworkbench/internal/storage"
	"github.com/javanstorm/vmworkbench/pkg/hypervisor"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

// ValidateConfig checks configuration values and platform capabilities.
// Returns a list of validation errors/warnings.
func ValidateConfig(cfg *Config, caps hypervisor.Capabilities) []ValidationError {
	var errs []ValidationError
	add := func(field, msg string, fatal bool) {
		errs = append(errs, ValidationError{Field: field, Message: msg, Fatal: fatal})
	}

	if cfg.CPUs < 1 {
		add("cpus", fmt.Sprintf("must be at least 1, got %d", cfg.CPUs), true)
	}
	if cfg.MemoryMB < 128 {
		add("memory_mb", fmt.Sprintf("must be at least 128, got %d", cfg.MemoryMB), true)
	}
	if cfg.StateDir == "" {
		add("state_dir", "must not be empty", true)
	}
	if err := storage.ValidateID(cfg.DefaultState); err != nil {
		add("default_state", err.Error(), true)
	}
	if _, err := storage.ParseCompression(cfg.Snapshot.Compression); err != nil {
		add("snapshot.compression", err.Error(), true)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		add("log_level", err.Error(), true)
	}
	if cfg.StartTimeout < 0 {
		add("start_timeout", "must not be negative", true)
	}
	if cfg.AutosaveInterval < 0 {
		add("autosave_interval", "must not be negative", true)
	}
	if cfg.Serial.LineDelay < 0 {
		add("serial.line_delay", "must not be negative", true)
	}
	if cfg.SSH.Listen != "" && cfg.SSH.AuthorizedKeys == "" {
		add("ssh.authorized_keys", "required when ssh.listen is set", true)
	}

	if cfg.EnableNetwork && !caps.Networking {
		add("enable_network", "Networking not supported by this engine", false)
	}
	if !caps.Snapshots {
		if cfg.AutosaveInterval > 0 {
			add("autosave_interval", "Snapshots not supported by this engine, autosave disabled", false)
		}
		if cfg.SaveOnExit {
			add("save_on_exit", "Snapshots not supported by this engine, state will not be saved", false)
		}
	}
	if cfg.Snapshot.Passphrase == "" && cfg.Snapshot.ScryptWorkFactor != 0 {
		add("snapshot.scrypt_work_factor", "ignored without snapshot.passphrase", false)
	}

	return errs
}

// HasFatal reports whether any error prevents startup.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
