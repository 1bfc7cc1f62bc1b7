package hypervisor

import "errors"

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrMissingKernel      = errors.New("hypervisor: kernel path is required")
)

// Runtime errors
var (
	ErrAlreadyRunning        = errors.New("hypervisor: VM is already running")
	ErrNotRunning            = errors.New("hypervisor: VM is not running")
	ErrSnapshotsNotSupported = errors.New("hypervisor: driver does not support snapshots")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
	ErrEngineNotFound      = errors.New("hypervisor: engine binary not found")
)
