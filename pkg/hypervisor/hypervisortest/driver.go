// Package hypervisortest provides a deterministic in-memory Driver.
//
// The fake guest keeps every byte received on its serial line as machine
// state. Sending Probe makes it echo that state back on the serial output,
// which lets tests observe a save/restore round trip.
package hypervisortest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/javanstorm/vmworkbench/pkg/hypervisor"
)

// Probe is the serial byte that echoes the guest state.
const Probe = '?'

var stateMagic = []byte("FAKE")

// ErrCorruptState is returned by RestoreState for blobs it did not produce.
var ErrCorruptState = errors.New("hypervisortest: corrupt state")

// Driver is a scriptable fake hypervisor.Driver.
type Driver struct {
	mu      sync.Mutex
	cfg     *hypervisor.VMConfig
	events  hypervisor.Events
	running bool
	memory  []byte

	// NoStart keeps the driver from ever reporting Started.
	NoStart bool
	// StartErr, SaveErr and RestoreErr make the matching call fail.
	StartErr   error
	SaveErr    error
	RestoreErr error
	// SaveGate, when non-nil, blocks SaveState until it is closed or ctx ends.
	SaveGate chan struct{}
	// SaveEntered, when non-nil, receives once SaveState starts waiting.
	SaveEntered chan struct{}
	// LaunchGate, when non-nil, blocks Start until it is closed or ctx ends.
	LaunchGate chan struct{}
	// NoSnapshots reports the driver as lacking snapshot support.
	NoSnapshots bool

	starts   int
	stops    int
	restores int
}

var _ hypervisor.Driver = (*Driver)(nil)

func (d *Driver) Info() hypervisor.Info {
	return hypervisor.Info{Name: "fake", Version: "test", Arch: "none"}
}

func (d *Driver) Capabilities() hypervisor.Capabilities {
	return hypervisor.Capabilities{Snapshots: !d.NoSnapshots}
}

func (d *Driver) Validate(ctx context.Context, cfg *hypervisor.VMConfig) error {
	return cfg.Validate()
}

func (d *Driver) Start(ctx context.Context, cfg *hypervisor.VMConfig, events hypervisor.Events) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return hypervisor.ErrAlreadyRunning
	}
	d.starts++
	if d.StartErr != nil {
		d.mu.Unlock()
		return d.StartErr
	}
	gate := d.LaunchGate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	d.cfg = cfg
	d.events = events
	d.running = true
	noStart := d.NoStart
	d.mu.Unlock()

	if !noStart {
		events.Started()
	}
	return nil
}

func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return hypervisor.ErrNotRunning
	}
	d.running = false
	d.stops++
	return nil
}

func (d *Driver) SaveState(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	running := d.running
	gate, entered := d.SaveGate, d.SaveEntered
	d.mu.Unlock()
	if !running {
		return nil, hypervisor.ErrNotRunning
	}

	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SaveErr != nil {
		return nil, d.SaveErr
	}
	return append(bytes.Clone(stateMagic), d.memory...), nil
}

func (d *Driver) RestoreState(ctx context.Context, state []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return hypervisor.ErrNotRunning
	}
	if d.RestoreErr != nil {
		return d.RestoreErr
	}
	if !bytes.HasPrefix(state, stateMagic) {
		return fmt.Errorf("%w: missing magic", ErrCorruptState)
	}
	d.memory = bytes.Clone(state[len(stateMagic):])
	d.restores++
	return nil
}

func (d *Driver) SendSerial(p []byte) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return hypervisor.ErrNotRunning
	}
	var echo []byte
	for _, b := range p {
		if b == Probe {
			echo = append(echo, d.memory...)
			continue
		}
		d.memory = append(d.memory, b)
	}
	events := d.events
	d.mu.Unlock()

	for _, b := range echo {
		events.SerialByte(b)
	}
	return nil
}

// Emit delivers output bytes as if the guest wrote them.
func (d *Driver) Emit(p []byte) {
	d.mu.Lock()
	events := d.events
	d.mu.Unlock()
	for _, b := range p {
		events.SerialByte(b)
	}
}

// Crash reports an unexpected exit with err.
func (d *Driver) Crash(err error) {
	d.mu.Lock()
	d.running = false
	events := d.events
	d.mu.Unlock()
	events.Exited(err)
}

// Memory returns a copy of the guest state.
func (d *Driver) Memory() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.memory)
}

// Config returns the configuration passed to Start.
func (d *Driver) Config() *hypervisor.VMConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Running reports whether the fake guest runs.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Counts returns how often Start, Stop and RestoreState succeeded or ran.
func (d *Driver) Counts() (starts, stops, restores int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops, d.restores
}
