package vm

import "errors"

// Status is the lifecycle state of the orchestrated VM.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusSaving
	StatusRestoring
	StatusError
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusSaving:
		return "saving"
	case StatusRestoring:
		return "restoring"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned when a save or restore is already in progress.
	ErrBusy = errors.New("vm: another state operation is in progress")

	// ErrNotRunning is returned when an operation needs a running session.
	ErrNotRunning = errors.New("vm: no running session")

	// ErrSessionActive is returned by RestoreState while a session exists.
	ErrSessionActive = errors.New("vm: a session is active, stop it first")

	// ErrStopped is returned by operations interrupted by Stop.
	ErrStopped = errors.New("vm: interrupted by stop")

	// ErrEngineExited is returned by operations cut short because the engine
	// exited on its own. A crash wraps the engine's exit error.
	ErrEngineExited = errors.New("vm: engine exited")
)
