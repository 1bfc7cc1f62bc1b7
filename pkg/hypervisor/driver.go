// Package hypervisor provides a unified interface for the machine engine
// behind a VM session (QEMU on Linux, Virtualization.framework on macOS).
package hypervisor

import "context"

// Driver is the main interface for hypervisor operations.
// Platform-specific implementations (qemu, vz) satisfy this interface.
type Driver interface {
	Lifecycle
	Info() Info
	// SendSerial writes bytes to the guest serial line. Only valid after Start.
	SendSerial(p []byte) error
	// Capabilities returns what features the driver supports.
	Capabilities() Capabilities
}

// Capabilities describes driver feature support.
// Used for early validation before VM configuration.
type Capabilities struct {
	Snapshots  bool // save/restore of machine state
	Networking bool // virtio-net or similar
}

// Lifecycle defines VM lifecycle operations.
type Lifecycle interface {
	// Validate checks if the configuration is valid for this driver.
	Validate(ctx context.Context, cfg *VMConfig) error

	// Start launches the VM and returns once the boot is under way.
	// Readiness, serial output and exit are reported through events.
	Start(ctx context.Context, cfg *VMConfig, events Events) error

	// Stop tears the VM down. Stop does not report Exited.
	Stop(ctx context.Context) error

	// SaveState serializes the running machine. The VM keeps running.
	SaveState(ctx context.Context) ([]byte, error)

	// RestoreState replaces the running machine with a previously saved one.
	RestoreState(ctx context.Context, state []byte) error
}

// Events receives notifications from a running driver. Calls arrive on the
// driver's own goroutines; SerialByte calls are never concurrent with each
// other and preserve emission order.
type Events interface {
	Started()
	SerialByte(b byte)
	// Exited reports an exit the caller did not ask for. err is nil for a
	// clean guest poweroff.
	Exited(err error)
}

// Factory creates a fresh driver for one session.
type Factory func() (Driver, error)

// Info contains driver metadata.
type Info struct {
	Name    string // "qemu" or "vz"
	Version string // Driver version
	Arch    string // "arm64" or "amd64"
}
