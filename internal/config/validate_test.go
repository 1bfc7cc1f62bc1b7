package config

import (
	"strings"
	"testing"

	"github.com/javanstorm/vmworkbench/pkg/hypervisor"
)

func TestValidateConfig(t *testing.T) {
	full := hypervisor.Capabilities{Snapshots: true, Networking: true}

	tests := []struct {
		name   string
		mutate func(*Config)
		caps   hypervisor.Capabilities
		field  string
		fatal  bool
	}{
		{"no cpus", func(c *Config) { c.CPUs = 0 }, full, "cpus", true},
		{"little memory", func(c *Config) { c.MemoryMB = 64 }, full, "memory_mb", true},
		{"bad state id", func(c *Config) { c.DefaultState = "../x" }, full, "default_state", true},
		{"bad compression", func(c *Config) { c.Snapshot.Compression = "gzip" }, full, "snapshot.compression", true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, full, "log_level", true},
		{"ssh without keys", func(c *Config) { c.SSH.Listen = ":2222"; c.SSH.AuthorizedKeys = "" }, full, "ssh.authorized_keys", true},
		{"no networking", func(c *Config) {}, hypervisor.Capabilities{Snapshots: true}, "enable_network", false},
		{"autosave without snapshots", func(c *Config) { c.AutosaveInterval = 60e9 }, hypervisor.Capabilities{Networking: true}, "autosave_interval", false},
		{"save on exit without snapshots", func(c *Config) { c.SaveOnExit = true }, hypervisor.Capabilities{Networking: true}, "save_on_exit", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultsFor(testPaths(t))
			tt.mutate(cfg)
			errs := ValidateConfig(cfg, tt.caps)
			if len(errs) != 1 {
				t.Fatalf("got %d issues, want 1:\n%s", len(errs), FormatValidationErrors(errs))
			}
			if errs[0].Field != tt.field || errs[0].Fatal != tt.fatal {
				t.Errorf("got %+v, want field %q fatal %v", errs[0], tt.field, tt.fatal)
			}
			if HasFatal(errs) != tt.fatal {
				t.Errorf("HasFatal = %v", HasFatal(errs))
			}
		})
	}
}

func TestFormatValidationErrors(t *testing.T) {
	if FormatValidationErrors(nil) != "" {
		t.Error("no errors should format as empty")
	}
	out := FormatValidationErrors([]ValidationError{
		{Field: "cpus", Message: "must be at least 1", Fatal: true},
		{Field: "enable_network", Message: "unsupported"},
	})
	if !strings.Contains(out, "Error [cpus]") || !strings.Contains(out, "Warning [enable_network]") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
