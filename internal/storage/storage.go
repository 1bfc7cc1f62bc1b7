// Package storage persists VM state snapshots in a private directory.
//
// Each state lives at states/{id}.bin inside the root as a framed envelope
// (see envelope.go). Writes go to a temporary sibling and are renamed into
// place, so readers never observe a partial state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	statesDir = "states"
	stateExt  = ".bin"
	tmpExt    = ".tmp"
)

// Options configures a Backend.
type Options struct {
	// Root is the private state directory.
	Root string

	// Compression is the preferred payload codec.
	Compression Compression

	// Passphrase enables age encryption of payloads when non-empty.
	Passphrase string

	// ScryptWorkFactor overrides age's scrypt work factor (log2 N).
	// Zero keeps the library default.
	ScryptWorkFactor int

	// QuotaBytes caps the reported quota and rejects writes that would
	// exceed it. Zero means the filesystem is the only limit.
	QuotaBytes uint64
}

// SnapshotInfo describes a stored state without decoding it.
type SnapshotInfo struct {
	ID          string
	Path        string
	CreatedAt   time.Time
	Size        uint64
	StoredSize  uint64
	Digest      []byte
	Compression Compression
	Encrypted   bool
}

// Backend is a scoped, quota-reporting snapshot store.
type Backend struct {
	opts  Options
	codec codec

	mu     sync.RWMutex
	root   *os.Root
	states *os.Root
}

// New creates a Backend. Call Initialize before use.
func New(opts Options) *Backend {
	return &Backend{
		opts: opts,
		codec: codec{
			compression: opts.Compression,
			passphrase:  opts.Passphrase,
			workFactor:  opts.ScryptWorkFactor,
			now:         time.Now,
		},
	}
}

// Root returns the configured state directory.
func (b *Backend) Root() string {
	return b.opts.Root
}

// Initialize opens the state directory, creating it if needed, and removes
// leftovers of interrupted writes. Repeated calls are no-ops.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.root != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.opts.Root == "" {
		return fmt.Errorf("%w: no directory configured", ErrStorageUnavailable)
	}
	if err := os.MkdirAll(b.opts.Root, 0o700); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	root, err := os.OpenRoot(b.opts.Root)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if err := root.Mkdir(statesDir, 0o700); err != nil && !errors.Is(err, fs.ErrExist) {
		root.Close()
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	states, err := root.OpenRoot(statesDir)
	if err != nil {
		root.Close()
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	cleanupPartial(states)
	b.root, b.states = root, states
	logrus.WithField("dir", b.opts.Root).Debug("state storage initialized")
	return nil
}

// Close releases the directory handles. The Backend may be initialized again.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.root == nil {
		return nil
	}
	err := errors.Join(b.states.Close(), b.root.Close())
	b.root, b.states = nil, nil
	return err
}

// cleanupPartial removes temporary files left by interrupted writes.
func cleanupPartial(states *os.Root) {
	names, err := readNames(states)
	if err != nil {
		logrus.WithError(err).Warn("scan state directory for partial writes")
		return
	}
	for _, name := range names {
		if !strings.HasSuffix(name, tmpExt) {
			continue
		}
		if err := states.Remove(name); err != nil {
			logrus.WithError(err).WithField("file", name).Warn("remove partial state")
			continue
		}
		logrus.WithField("file", name).Debug("removed partial state")
	}
}

// readNames lists directory entries in the order the filesystem returns them.
func readNames(dir *os.Root) ([]string, error) {
	f, err := dir.Open(".")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (b *Backend) handles() (*os.Root, *os.Root, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.root == nil {
		return nil, nil, ErrNotInitialized
	}
	return b.root, b.states, nil
}

// prepare validates the ID and returns the states handle.
func (b *Backend) prepare(ctx context.Context, id string) (*os.Root, error) {
	_, states, err := b.handles()
	if err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

func fileName(id string) string {
	return id + stateExt
}

// LogicalPath is the path of a state relative to the root.
func LogicalPath(id string) string {
	return path.Join(statesDir, fileName(id))
}

// Put stores blob under id, replacing any previous state. A state whose
// content digest already matches is left untouched.
func (b *Backend) Put(ctx context.Context, id string, blob []byte) (string, error) {
	states, err := b.prepare(ctx, id)
	if err != nil {
		return "", err
	}
	name := fileName(id)

	var existing int64
	if info, err := states.Stat(name); err == nil {
		existing = info.Size()
		if h, err := statHeader(states, name); err == nil && b.sameContent(h, blob) {
			logrus.WithField("id", id).Debug("state unchanged, skipping write")
			return LogicalPath(id), nil
		}
	}

	data, _, err := b.codec.encode(id, blob)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	if b.opts.QuotaBytes > 0 {
		q, err := b.EstimateQuota(ctx)
		if err != nil {
			return "", err
		}
		if q.UsageBytes-uint64(existing)+uint64(len(data)) > q.QuotaBytes {
			return "", fmt.Errorf("%w: %s needed, %s of %s used", ErrQuotaExceeded,
				FormatBytes(uint64(len(data))), FormatBytes(q.UsageBytes), FormatBytes(q.QuotaBytes))
		}
	}

	tmp := name + tmpExt
	if err := writeFile(states, tmp, data); err != nil {
		if rmErr := states.Remove(tmp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			logrus.WithError(rmErr).WithField("file", tmp).Warn("remove partial state")
		}
		return "", fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if err := states.Rename(tmp, name); err != nil {
		states.Remove(tmp)
		return "", fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return LogicalPath(id), nil
}

func (b *Backend) sameContent(h *header, blob []byte) bool {
	if h.Encrypted != (b.opts.Passphrase != "") || h.Size != uint64(len(blob)) {
		return false
	}
	return string(h.Digest) == string(digest(blob))
}

// writeFile writes data to name, syncing before close. The file is closed
// on every path.
func writeFile(dir *os.Root, name string, data []byte) (err error) {
	f, err := dir.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// Get returns the blob stored under id, or ErrNotFound.
func (b *Backend) Get(ctx context.Context, id string) ([]byte, error) {
	states, err := b.prepare(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := states.ReadFile(fileName(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	blob, _, err := b.codec.decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrReadFailed, id, err)
	}
	return blob, nil
}

// Delete removes the state stored under id and reports whether it existed.
func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	states, err := b.prepare(ctx, id)
	if err != nil {
		return false, err
	}
	err = states.Remove(fileName(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return true, nil
}

// List returns the IDs of all stored states in directory order.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	_, states, err := b.handles()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := readNames(states)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		if id, ok := strings.CutSuffix(name, stateExt); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Stat returns the header metadata of the state stored under id.
func (b *Backend) Stat(ctx context.Context, id string) (*SnapshotInfo, error) {
	states, err := b.prepare(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := statHeader(states, fileName(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrReadFailed, id, err)
	}
	return &SnapshotInfo{
		ID:          id,
		Path:        LogicalPath(id),
		CreatedAt:   time.Unix(0, h.CreatedUnixNano),
		Size:        h.Size,
		StoredSize:  h.StoredSize,
		Digest:      h.Digest,
		Compression: h.Compression,
		Encrypted:   h.Encrypted,
	}, nil
}

func statHeader(states *os.Root, name string) (*header, error) {
	f, err := states.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readHeader(f)
}
