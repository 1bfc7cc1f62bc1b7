// Package config provides configuration management for vmworkbench.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for vmworkbench.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/vmworkbench
	// Linux: ~/.config/vmworkbench (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir holds saved states, guest images and keys.
	// All platforms: ~/.vmworkbench
	DataDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for vmworkbench.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return pathsFor(home, runtime.GOOS, os.Getenv("XDG_CONFIG_HOME")), nil
}

func pathsFor(home, goos, xdgConfig string) *Paths {
	p := &Paths{
		DataDir: filepath.Join(home, ".vmworkbench"),
	}

	switch goos {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "vmworkbench")
	default:
		if xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "vmworkbench")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "vmworkbench")
		}
	}

	p.ConfigFile = filepath.Join(p.DataDir, "config.yaml")
	return p
}

// ImageDir is where guest kernels and root filesystems are looked up.
func (p *Paths) ImageDir() string {
	return filepath.Join(p.DataDir, "images")
}

// StateDir is the default private snapshot directory.
func (p *Paths) StateDir() string {
	return filepath.Join(p.DataDir, "state")
}

// SSHDir holds the console host key and authorized keys.
func (p *Paths) SSHDir() string {
	return filepath.Join(p.DataDir, "ssh")
}

// EnsureDirectories creates the config and data directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0o755)
}
