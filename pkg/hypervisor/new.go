package hypervisor

import "runtime"

// Options tunes driver construction. Zero values pick platform defaults.
type Options struct {
	// QEMUBinary overrides the qemu-system binary looked up on PATH (Linux).
	QEMUBinary string

	// WorkDir holds per-session sockets and transfer files.
	// Defaults to os.TempDir().
	WorkDir string
}

// SupportedPlatform returns true if the current platform has a hypervisor driver.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// NewFactory returns a Factory that builds platform drivers with opts.
func NewFactory(opts Options) Factory {
	return func() (Driver, error) {
		return NewDriver(opts)
	}
}

// NewDriver creates a new hypervisor driver for the current platform.
// This function is implemented in platform-specific files using build tags.
// See driver_darwin.go and driver_linux.go.
