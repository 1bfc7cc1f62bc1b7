package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BootRecord holds lifecycle history that survives restarts.
type BootRecord struct {
	// LastBoot is when a session was last started or restored.
	LastBoot time.Time `json:"last_boot,omitempty"`

	// LastShutdown is when the last session ended.
	LastShutdown time.Time `json:"last_shutdown,omitempty"`

	// BootCount is the number of sessions started so far.
	BootCount int `json:"boot_count"`

	// CleanShutdown is false when the last session ended with an engine error.
	CleanShutdown bool `json:"clean_shutdown"`

	LastSnapshot   string    `json:"last_snapshot,omitempty"`
	LastSnapshotAt time.Time `json:"last_snapshot_at,omitempty"`
	LastRestore    string    `json:"last_restore,omitempty"`
}

// RecordFile persists a BootRecord as JSON. A nil RecordFile discards
// every update.
type RecordFile struct {
	mu   sync.Mutex
	path string
}

// NewRecordFile returns a record stored at {dir}/boot.json, or nil when dir
// is empty.
func NewRecordFile(dir string) *RecordFile {
	if dir == "" {
		return nil
	}
	return &RecordFile{path: filepath.Join(dir, "boot.json")}
}

// Load reads the record. A missing file yields an empty record.
func (r *RecordFile) Load() (*BootRecord, error) {
	if r == nil {
		return &BootRecord{}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *RecordFile) loadLocked() (*BootRecord, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &BootRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read boot record: %w", err)
	}

	var rec BootRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse boot record: %w", err)
	}
	return &rec, nil
}

func (r *RecordFile) saveLocked(rec *BootRecord) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal boot record: %w", err)
	}

	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write boot record: %w", err)
	}
	return os.Rename(tmpPath, r.path)
}

func (r *RecordFile) update(fn func(*BootRecord)) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.loadLocked()
	if err != nil {
		return err
	}
	fn(rec)
	return r.saveLocked(rec)
}

// RecordBoot notes a new session.
func (r *RecordFile) RecordBoot() error {
	return r.update(func(rec *BootRecord) {
		rec.LastBoot = time.Now()
		rec.BootCount++
		rec.CleanShutdown = false
	})
}

// RecordShutdown notes the end of a session.
func (r *RecordFile) RecordShutdown(clean bool) error {
	return r.update(func(rec *BootRecord) {
		rec.LastShutdown = time.Now()
		rec.CleanShutdown = clean
	})
}

// RecordSnapshot notes a successful save under id.
func (r *RecordFile) RecordSnapshot(id string) error {
	return r.update(func(rec *BootRecord) {
		rec.LastSnapshot = id
		rec.LastSnapshotAt = time.Now()
	})
}

// RecordRestore notes a successful restore from id.
func (r *RecordFile) RecordRestore(id string) error {
	return r.update(func(rec *BootRecord) {
		rec.LastRestore = id
	})
}

// Path returns the record file path.
func (r *RecordFile) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}
