// Package testutil provides common test helpers for vmworkbench tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/javanstorm/vmworkbench/internal/config"
	"github.com/javanstorm/vmworkbench/internal/storage"
)

// IsolatedHome points HOME and XDG_CONFIG_HOME at a fresh temp dir and
// returns the resulting paths. The directories are not created.
func IsolatedHome(t *testing.T) *config.Paths {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))

	paths, err := config.GetPaths()
	if err != nil {
		t.Fatalf("failed to get paths: %v", err)
	}
	return paths
}

// SeedState stores blob under id in a backend configured by opts.
func SeedState(t *testing.T, opts storage.Options, id string, blob []byte) *storage.SnapshotInfo {
	t.Helper()

	b := storage.New(opts)
	defer b.Close()

	ctx := context.Background()
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("failed to initialize storage at %s: %v", opts.Root, err)
	}
	if _, err := b.Put(ctx, id, blob); err != nil {
		t.Fatalf("failed to store state %q: %v", id, err)
	}
	info, err := b.Stat(ctx, id)
	if err != nil {
		t.Fatalf("failed to stat state %q: %v", id, err)
	}
	return info
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(t *testing.T, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
