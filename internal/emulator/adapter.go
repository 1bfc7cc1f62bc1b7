// Package emulator adapts a hypervisor.Driver to the needs of one VM
// session: start and wait for readiness, snapshot, and fan serial output
// out to listeners.
package emulator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmworkbench/pkg/hypervisor"
)

var (
	ErrEngineUnavailable = errors.New("emulator: engine unavailable")
	ErrStartFailed       = errors.New("emulator: start failed")
	ErrNotRunning        = errors.New("emulator: not running")
	ErrSnapshotFailed    = errors.New("emulator: snapshot failed")
	ErrRestoreFailed     = errors.New("emulator: restore failed")
)

type listenerEntry struct {
	id uint64
	fn func(b byte)
}

// Adapter owns at most one driver at a time.
type Adapter struct {
	factory hypervisor.Factory

	mu       sync.Mutex
	driver   hypervisor.Driver
	events   *driverEvents
	starting bool

	listeners cmap.ConcurrentMap[string, listenerEntry]
	regMu     sync.Mutex
	snapshot  atomic.Pointer[[]func(b byte)]
	nextID    atomic.Uint64
}

// New returns an Adapter that creates drivers with factory.
func New(factory hypervisor.Factory) *Adapter {
	a := &Adapter{
		factory:   factory,
		listeners: cmap.New[listenerEntry](),
	}
	a.snapshot.Store(&[]func(b byte){})
	return a
}

// driverEvents forwards one driver's notifications to the adapter.
type driverEvents struct {
	adapter     *Adapter
	started     chan struct{}
	startedOnce sync.Once
	exited      chan error
}

func (e *driverEvents) Started() {
	e.startedOnce.Do(func() { close(e.started) })
}

func (e *driverEvents) SerialByte(b byte) {
	e.adapter.dispatch(b)
}

func (e *driverEvents) Exited(err error) {
	select {
	case e.exited <- err:
	default:
	}
}

// Start creates a driver and boots cfg, returning once the engine reports
// it is running. If ctx ends or the engine exits first, the driver is torn
// down and ErrStartFailed is returned.
func (a *Adapter) Start(ctx context.Context, cfg *hypervisor.VMConfig) error {
	a.mu.Lock()
	if a.driver != nil || a.starting {
		a.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrStartFailed, hypervisor.ErrAlreadyRunning)
	}
	drv, err := a.factory()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	a.starting = true
	a.mu.Unlock()

	ev, err := a.launch(ctx, drv, cfg)
	a.mu.Lock()
	a.starting = false
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	a.driver, a.events = drv, ev
	a.mu.Unlock()

	info := drv.Info()
	logrus.WithField("driver", info.Name).WithField("arch", info.Arch).Debug("engine launched, waiting for boot")

	select {
	case <-ev.started:
		return nil
	case err := <-ev.exited:
		a.release(drv)
		if err == nil {
			err = errors.New("engine exited during boot")
		}
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	case <-ctx.Done():
		a.teardown(drv)
		return fmt.Errorf("%w: %w", ErrStartFailed, ctx.Err())
	}
}

// launch validates cfg and starts drv without holding a.mu, so a slow
// engine launch does not block the rest of the adapter.
func (a *Adapter) launch(ctx context.Context, drv hypervisor.Driver, cfg *hypervisor.VMConfig) (*driverEvents, error) {
	if err := drv.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	ev := &driverEvents{
		adapter: a,
		started: make(chan struct{}),
		exited:  make(chan error, 1),
	}
	if err := drv.Start(ctx, cfg, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// release forgets drv if it is still current.
func (a *Adapter) release(drv hypervisor.Driver) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.driver != drv {
		return false
	}
	a.driver, a.events = nil, nil
	return true
}

func (a *Adapter) teardown(drv hypervisor.Driver) {
	if !a.release(drv) {
		return
	}
	if err := drv.Stop(context.Background()); err != nil && !errors.Is(err, hypervisor.ErrNotRunning) {
		logrus.WithError(err).Warn("stop engine after failed start")
	}
}

// Stop stops and drops the driver. It is a no-op when none is held.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	drv := a.driver
	a.driver, a.events = nil, nil
	a.mu.Unlock()

	if drv == nil {
		return nil
	}
	if err := drv.Stop(ctx); err != nil && !errors.Is(err, hypervisor.ErrNotRunning) {
		return fmt.Errorf("emulator: stop: %w", err)
	}
	return nil
}

func (a *Adapter) current() hypervisor.Driver {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver
}

// Running reports whether a driver is held.
func (a *Adapter) Running() bool {
	return a.current() != nil
}

// Exited delivers the error of an unrequested engine exit. It returns nil
// when no driver is held.
func (a *Adapter) Exited() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.events == nil {
		return nil
	}
	return a.events.exited
}

// Info describes the held driver.
func (a *Adapter) Info() (hypervisor.Info, bool) {
	drv := a.current()
	if drv == nil {
		return hypervisor.Info{}, false
	}
	return drv.Info(), true
}

// SaveState serializes the running machine.
func (a *Adapter) SaveState(ctx context.Context) ([]byte, error) {
	drv := a.current()
	if drv == nil {
		return nil, ErrNotRunning
	}
	if !drv.Capabilities().Snapshots {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFailed, hypervisor.ErrSnapshotsNotSupported)
	}
	blob, err := drv.SaveState(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}
	return blob, nil
}

// RestoreState applies a saved machine state to the running engine.
func (a *Adapter) RestoreState(ctx context.Context, blob []byte) error {
	drv := a.current()
	if drv == nil {
		return ErrNotRunning
	}
	if !drv.Capabilities().Snapshots {
		return fmt.Errorf("%w: %w", ErrRestoreFailed, hypervisor.ErrSnapshotsNotSupported)
	}
	if err := drv.RestoreState(ctx, blob); err != nil {
		return fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	return nil
}

// SendByte writes one byte to the guest serial line.
func (a *Adapter) SendByte(b byte) error {
	return a.send([]byte{b})
}

// SendText writes s to the guest serial line.
func (a *Adapter) SendText(s string) error {
	return a.send([]byte(s))
}

func (a *Adapter) send(p []byte) error {
	drv := a.current()
	if drv == nil {
		return nil
	}
	if err := drv.SendSerial(p); err != nil {
		if errors.Is(err, hypervisor.ErrNotRunning) {
			return nil
		}
		return fmt.Errorf("emulator: send serial: %w", err)
	}
	return nil
}

// OnSerialByte registers fn for every serial output byte. The returned
// cancel func deregisters it and may be called any number of times.
func (a *Adapter) OnSerialByte(fn func(b byte)) (cancel func()) {
	id := a.nextID.Add(1)
	key := strconv.FormatUint(id, 10)

	a.regMu.Lock()
	a.listeners.Set(key, listenerEntry{id: id, fn: fn})
	a.rebuildLocked()
	a.regMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.regMu.Lock()
			a.listeners.Remove(key)
			a.rebuildLocked()
			a.regMu.Unlock()
		})
	}
}

// rebuildLocked publishes the listener set in registration order.
func (a *Adapter) rebuildLocked() {
	entries := make([]listenerEntry, 0, a.listeners.Count())
	for _, e := range a.listeners.Items() {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(x, y listenerEntry) int {
		return cmp.Compare(x.id, y.id)
	})
	fns := make([]func(b byte), len(entries))
	for i, e := range entries {
		fns[i] = e.fn
	}
	a.snapshot.Store(&fns)
}

// Listeners returns the number of registered serial listeners.
func (a *Adapter) Listeners() int {
	return a.listeners.Count()
}

func (a *Adapter) dispatch(b byte) {
	for _, fn := range *a.snapshot.Load() {
		fn(b)
	}
}
