// Package vm drives the lifecycle of a single VM: start, stop, and saving
// or restoring its state through the storage backend.
package vm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/javanstorm/vmworkbench/internal/emulator"
	"github.com/javanstorm/vmworkbench/internal/metrics"
	"github.com/javanstorm/vmworkbench/internal/profile"
	"github.com/javanstorm/vmworkbench/internal/serial"
	"github.com/javanstorm/vmworkbench/internal/storage"
	"github.com/javanstorm/vmworkbench/pkg/hypervisor"
)

// teardownTimeout bounds how long a discarded session may take to stop.
const teardownTimeout = 10 * time.Second

// Config holds orchestrator settings.
type Config struct {
	// Machine is the VM every session boots with.
	Machine hypervisor.VMConfig

	// StartTimeout bounds engine start. Zero means only ctx applies.
	StartTimeout time.Duration

	// LineDelay paces profile script injection.
	LineDelay time.Duration

	// RecordDir holds the boot record. Empty disables it.
	RecordDir string
}

// Store is the snapshot storage the orchestrator depends on.
// *storage.Backend implements it.
type Store interface {
	Initialize(ctx context.Context) error
	Put(ctx context.Context, id string, blob []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Stat(ctx context.Context, id string) (*storage.SnapshotInfo, error)
	EstimateQuota(ctx context.Context) (storage.Quota, error)
}

var _ Store = (*storage.Backend)(nil)

// Session is one running engine instance.
type Session struct {
	ID        string
	StartedAt time.Time
	Config    hypervisor.VMConfig

	adapter  *emulator.Adapter
	done     chan struct{}
	doneOnce sync.Once
}

// Engine reports the engine behind the session.
func (s *Session) Engine() (hypervisor.Info, bool) {
	return s.adapter.Info()
}

func (s *Session) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// operation is an in-flight start, save, or restore that Stop can cancel.
type operation struct {
	cancel context.CancelFunc
	done   chan struct{}
	// cause is set under o.mu when the engine exit, not Stop, ends the op.
	cause error
}

// interrupted reports why op lost its session. Callers hold o.mu.
func (op *operation) interrupted() error {
	if op.cause != nil {
		return op.cause
	}
	return stoppedError()
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records lifecycle metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// Orchestrator owns the VM session and its status. All methods are safe for
// concurrent use.
type Orchestrator struct {
	cfg     Config
	store   Store
	factory hypervisor.Factory
	bridge  *serial.Bridge
	record  *RecordFile
	metrics *metrics.Collector

	starts singleflight.Group
	slot   *semaphore.Weighted
	typing *semaphore.Weighted

	mu        sync.Mutex
	status    Status
	session   *Session
	lastErr   error
	epoch     uint64
	ops       map[*operation]struct{}
	pending   []Status
	watchers  map[uint64]func(Status)
	nextWatch uint64

	// notifyMu keeps watcher callbacks in transition order.
	notifyMu sync.Mutex
}

// New creates an Orchestrator in the Stopped status.
func New(cfg Config, store Store, factory hypervisor.Factory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		factory:  factory,
		bridge:   serial.NewBridge(nil),
		record:   NewRecordFile(cfg.RecordDir),
		slot:     semaphore.NewWeighted(1),
		typing:   semaphore.NewWeighted(1),
		status:   StatusStopped,
		ops:      make(map[*operation]struct{}),
		watchers: make(map[uint64]func(Status)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// LastError returns the error that last moved the status to Error.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Session returns the active session, or nil.
func (o *Orchestrator) Session() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Serial returns the bridge to the active session's serial line. The same
// bridge follows every session.
func (o *Orchestrator) Serial() *serial.Bridge {
	return o.bridge
}

// Record returns the persisted boot record.
func (o *Orchestrator) Record() (*BootRecord, error) {
	return o.record.Load()
}

// Watch calls fn with every status transition, in order. fn must not call
// lifecycle methods. The returned func stops the notifications.
func (o *Orchestrator) Watch(fn func(Status)) (cancel func()) {
	o.mu.Lock()
	id := o.nextWatch
	o.nextWatch++
	o.watchers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.watchers, id)
		o.mu.Unlock()
	}
}

// setStatusLocked changes the status and queues watcher notification.
func (o *Orchestrator) setStatusLocked(s Status) {
	if o.status == s {
		return
	}
	logrus.WithFields(logrus.Fields{"from": o.status, "to": s}).Info("vm status changed")
	o.status = s
	o.pending = append(o.pending, s)
	o.metrics.Transition(s.String())
}

func (o *Orchestrator) failLocked(err error) {
	o.lastErr = err
	o.setStatusLocked(StatusError)
	logrus.WithError(err).Warn("vm operation failed")
}

// unlock releases o.mu and delivers queued transitions. notifyMu is taken
// before o.mu is released so deliveries never reorder.
func (o *Orchestrator) unlock() {
	pending := o.pending
	o.pending = nil
	if len(pending) == 0 || len(o.watchers) == 0 {
		o.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(o.watchers))
	for id := range o.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	watchers := make([]func(Status), len(ids))
	for i, id := range ids {
		watchers[i] = o.watchers[id]
	}

	o.notifyMu.Lock()
	o.mu.Unlock()
	defer o.notifyMu.Unlock()
	for _, s := range pending {
		for _, w := range watchers {
			w(s)
		}
	}
}

// beginLocked registers an operation Stop can cancel.
func (o *Orchestrator) beginLocked(ctx context.Context) (context.Context, *operation) {
	opCtx, cancel := context.WithCancel(ctx)
	op := &operation{cancel: cancel, done: make(chan struct{})}
	o.ops[op] = struct{}{}
	return opCtx, op
}

func (o *Orchestrator) end(op *operation) {
	o.mu.Lock()
	delete(o.ops, op)
	o.mu.Unlock()
	op.cancel()
	close(op.done)
}

func stoppedError() error {
	return fmt.Errorf("%w: %w", ErrStopped, context.Canceled)
}

// Start boots a session. It is a no-op when a session exists, and
// concurrent calls share one boot. Joined callers observe the first
// caller's ctx.
func (o *Orchestrator) Start(ctx context.Context) error {
	_, err, _ := o.starts.Do("start", func() (any, error) {
		return nil, o.start(ctx)
	})
	return err
}

func (o *Orchestrator) start(ctx context.Context) error {
	o.mu.Lock()
	if o.session != nil {
		o.unlock()
		return nil
	}
	if o.status == StatusRestoring {
		o.unlock()
		return ErrBusy
	}
	epoch := o.epoch
	opCtx, op := o.beginLocked(ctx)
	o.setStatusLocked(StatusStarting)
	o.unlock()
	defer o.end(op)

	began := time.Now()
	sess, err := o.boot(opCtx)
	o.metrics.ObserveOperation("start", began, err)

	o.mu.Lock()
	if o.epoch != epoch {
		err := op.interrupted()
		o.unlock()
		if sess != nil {
			o.discard(sess)
		}
		return err
	}
	if err != nil {
		o.failLocked(err)
		o.unlock()
		return err
	}
	o.installLocked(sess)
	o.setStatusLocked(StatusRunning)
	o.unlock()

	o.recordErr(o.record.RecordBoot(), "boot")
	logrus.WithFields(logrus.Fields{"session": sess.ID, "cpus": sess.Config.CPUs, "memory_mb": sess.Config.MemoryMB}).Info("vm started")
	return nil
}

// boot creates an adapter and starts the engine.
func (o *Orchestrator) boot(ctx context.Context) (*Session, error) {
	if o.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StartTimeout)
		defer cancel()
	}
	adapter := emulator.New(o.factory)
	machine := o.cfg.Machine
	if err := adapter.Start(ctx, &machine); err != nil {
		return nil, err
	}
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Config:    machine,
		adapter:   adapter,
		done:      make(chan struct{}),
	}, nil
}

func (o *Orchestrator) installLocked(sess *Session) {
	o.session = sess
	o.bridge.Rebind(sess.adapter)
	go o.monitor(sess)
}

// discard stops a session that is no longer installed.
func (o *Orchestrator) discard(sess *Session) {
	sess.close()
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := sess.adapter.Stop(ctx); err != nil {
		logrus.WithError(err).WithField("session", sess.ID).Warn("stop engine")
	}
}

// monitor clears sess when its engine exits on its own.
func (o *Orchestrator) monitor(sess *Session) {
	var exitErr error
	select {
	case exitErr = <-sess.adapter.Exited():
	case <-sess.done:
		return
	}

	o.mu.Lock()
	if o.session != sess {
		o.unlock()
		return
	}
	o.session = nil
	o.epoch++
	cause := ErrEngineExited
	if exitErr != nil {
		cause = fmt.Errorf("%w: %w", ErrEngineExited, exitErr)
	}
	for op := range o.ops {
		if op.cause == nil {
			op.cause = cause
		}
		op.cancel()
	}
	o.bridge.Rebind(nil)
	if exitErr != nil {
		o.failLocked(cause)
	} else {
		o.setStatusLocked(StatusStopped)
	}
	o.unlock()

	logrus.WithField("session", sess.ID).Info("vm engine exited")
	o.discard(sess)
	o.recordErr(o.record.RecordShutdown(exitErr == nil), "shutdown")
}

// Stop ends the session from any status. In-flight operations are
// cancelled and awaited until ctx ends. Stop always leaves the status
// Stopped and is safe to repeat.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	sess := o.session
	o.session = nil
	o.epoch++
	ops := make([]*operation, 0, len(o.ops))
	for op := range o.ops {
		op.cancel()
		ops = append(ops, op)
	}
	o.bridge.Rebind(nil)
	o.setStatusLocked(StatusStopped)
	o.unlock()

	for _, op := range ops {
		select {
		case <-op.done:
		case <-ctx.Done():
			logrus.Warn("stop: gave up waiting for in-flight operation")
		}
	}

	if sess == nil {
		return nil
	}
	o.discard(sess)
	o.recordErr(o.record.RecordShutdown(true), "shutdown")
	logrus.WithField("session", sess.ID).Info("vm stopped")
	return nil
}

// acquire takes the save/restore slot or fails with ErrBusy.
func (o *Orchestrator) acquire() error {
	if !o.slot.TryAcquire(1) {
		return ErrBusy
	}
	return nil
}

func (o *Orchestrator) release() {
	o.slot.Release(1)
}

func stateID(id string) (string, error) {
	if id == "" {
		id = storage.DefaultID
	}
	return id, storage.ValidateID(id)
}

// SaveState captures the running session under id ("" means default).
func (o *Orchestrator) SaveState(ctx context.Context, id string) (err error) {
	id, err = stateID(id)
	if err != nil {
		return err
	}
	if err := o.acquire(); err != nil {
		return err
	}
	defer o.release()

	o.mu.Lock()
	sess := o.session
	if sess == nil || o.status != StatusRunning {
		o.unlock()
		return ErrNotRunning
	}
	epoch := o.epoch
	opCtx, op := o.beginLocked(ctx)
	o.setStatusLocked(StatusSaving)
	o.unlock()
	defer o.end(op)

	began := time.Now()
	defer func() { o.metrics.ObserveOperation("save", began, err) }()

	blob, err := sess.adapter.SaveState(opCtx)
	var path string
	if err == nil {
		if err = o.store.Initialize(opCtx); err == nil {
			path, err = o.store.Put(opCtx, id, blob)
		}
	}

	o.mu.Lock()
	if o.epoch != epoch {
		err = op.interrupted()
		o.unlock()
		return err
	}
	if err != nil {
		err = fmt.Errorf("vm: save %s: %w", id, err)
		o.failLocked(err)
		o.unlock()
		return err
	}
	o.setStatusLocked(StatusRunning)
	o.unlock()

	o.metrics.SnapshotSize(id, len(blob))
	o.recordErr(o.record.RecordSnapshot(id), "snapshot")
	logrus.WithFields(logrus.Fields{"id": id, "path": path, "size": storage.FormatBytes(uint64(len(blob)))}).Info("vm state saved")
	return nil
}

// RestoreState boots a fresh session from the state saved under id ("" means
// default). It reports false, with the status back at Stopped, when no such
// state exists.
func (o *Orchestrator) RestoreState(ctx context.Context, id string) (restored bool, err error) {
	id, err = stateID(id)
	if err != nil {
		return false, err
	}
	if err := o.acquire(); err != nil {
		return false, err
	}
	defer o.release()

	o.mu.Lock()
	if o.session != nil {
		o.unlock()
		return false, ErrSessionActive
	}
	if o.status == StatusStarting {
		o.unlock()
		return false, ErrBusy
	}
	epoch := o.epoch
	opCtx, op := o.beginLocked(ctx)
	o.setStatusLocked(StatusRestoring)
	o.unlock()
	defer o.end(op)

	began := time.Now()
	defer func() { o.metrics.ObserveOperation("restore", began, err) }()

	sess, missing, err := o.restore(opCtx, id)

	o.mu.Lock()
	if o.epoch != epoch {
		err = op.interrupted()
		o.unlock()
		if sess != nil {
			o.discard(sess)
		}
		return false, err
	}
	switch {
	case missing:
		o.setStatusLocked(StatusStopped)
		o.unlock()
		logrus.WithField("id", id).Info("no saved state to restore")
		return false, nil
	case err != nil:
		err = fmt.Errorf("vm: restore %s: %w", id, err)
		o.failLocked(err)
		o.unlock()
		return false, err
	}
	o.installLocked(sess)
	o.setStatusLocked(StatusRunning)
	o.unlock()

	o.recordErr(o.record.RecordBoot(), "boot")
	o.recordErr(o.record.RecordRestore(id), "restore")
	logrus.WithFields(logrus.Fields{"id": id, "session": sess.ID}).Info("vm state restored")
	return true, nil
}

// restore loads the blob, boots, and applies it. A session that fails to
// take the state is stopped before returning.
func (o *Orchestrator) restore(ctx context.Context, id string) (*Session, bool, error) {
	if err := o.store.Initialize(ctx); err != nil {
		return nil, false, err
	}
	blob, err := o.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	sess, err := o.boot(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := sess.adapter.RestoreState(ctx, blob); err != nil {
		o.discard(sess)
		return nil, false, err
	}
	return sess, false, nil
}

// InstallProfile types the profile's apply script into the running guest.
// Only one script is typed at a time; an overlapping call fails with
// ErrBusy.
func (o *Orchestrator) InstallProfile(ctx context.Context, p profile.Profile) error {
	return o.inject(ctx, p, profile.GenerateApplyScript(p))
}

// RemoveProfile types the profile's removal script into the running guest.
func (o *Orchestrator) RemoveProfile(ctx context.Context, p profile.Profile) error {
	return o.inject(ctx, p, profile.GenerateRemoveScript(p))
}

func (o *Orchestrator) inject(ctx context.Context, p profile.Profile, script string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if o.Status() != StatusRunning {
		return ErrNotRunning
	}
	if !o.typing.TryAcquire(1) {
		return ErrBusy
	}
	defer o.typing.Release(1)
	logrus.WithField("profile", p.ID).Info("sending profile script")
	return serial.NewInjector(o.bridge, o.cfg.LineDelay).Inject(ctx, script)
}

// Quota estimates storage usage.
func (o *Orchestrator) Quota(ctx context.Context) (storage.Quota, error) {
	if err := o.store.Initialize(ctx); err != nil {
		return storage.Quota{}, err
	}
	q, err := o.store.EstimateQuota(ctx)
	if err != nil {
		return storage.Quota{}, err
	}
	o.metrics.StorageUsage(q.UsageBytes)
	return q, nil
}

// ListStates returns the saved state IDs.
func (o *Orchestrator) ListStates(ctx context.Context) ([]string, error) {
	if err := o.store.Initialize(ctx); err != nil {
		return nil, err
	}
	return o.store.List(ctx)
}

// DeleteState removes a saved state and reports whether it existed.
func (o *Orchestrator) DeleteState(ctx context.Context, id string) (bool, error) {
	id, err := stateID(id)
	if err != nil {
		return false, err
	}
	if err := o.store.Initialize(ctx); err != nil {
		return false, err
	}
	return o.store.Delete(ctx, id)
}

// StateInfo describes a saved state.
func (o *Orchestrator) StateInfo(ctx context.Context, id string) (*storage.SnapshotInfo, error) {
	id, err := stateID(id)
	if err != nil {
		return nil, err
	}
	if err := o.store.Initialize(ctx); err != nil {
		return nil, err
	}
	return o.store.Stat(ctx, id)
}

func (o *Orchestrator) recordErr(err error, what string) {
	if err != nil {
		logrus.WithError(err).WithField("record", what).Warn("update boot record")
	}
}
