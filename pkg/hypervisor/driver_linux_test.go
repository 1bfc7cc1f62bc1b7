//go:build linux

package hypervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQEMUArgs(t *testing.T) {
	cfg := &VMConfig{
		CPUs:     2,
		MemoryMB: 512,
		Kernel:   "/img/vmlinuz",
		Initrd:   "/img/initrd",
		Cmdline:  "console=ttyS0",
		DiskPath: "/img/root.raw",
	}

	args := strings.Join(qemuArgs(cfg, "/run/q.sock", ""), " ")
	assert.Contains(t, args, "-serial stdio")
	assert.Contains(t, args, "-qmp unix:/run/q.sock,server=on,wait=off")
	assert.Contains(t, args, "-m 512")
	assert.Contains(t, args, "-smp 2")
	assert.Contains(t, args, "-initrd /img/initrd")
	assert.Contains(t, args, "-append console=ttyS0")
	assert.Contains(t, args, "file=/img/root.raw,format=raw,if=virtio")
	assert.NotContains(t, args, "-incoming")

	args = strings.Join(qemuArgs(cfg, "/run/q.sock", "/tmp/it's.state"), " ")
	assert.Contains(t, args, `-incoming exec:cat '/tmp/it'\''s.state'`)
}

func TestQEMUBinaryName(t *testing.T) {
	assert.Equal(t, "qemu-system-aarch64", qemuBinaryName("arm64"))
	assert.Equal(t, "qemu-system-x86_64", qemuBinaryName("amd64"))
}

func TestNewDriverMissingBinary(t *testing.T) {
	_, err := NewDriver(Options{QEMUBinary: "qemu-system-does-not-exist"})
	assert.ErrorIs(t, err, ErrEngineNotFound)
}

type nopEvents struct{}

func (nopEvents) Started()          {}
func (nopEvents) SerialByte(b byte) {}
func (nopEvents) Exited(err error)  {}

func TestStartHonorsContextWhenQMPNeverOpens(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "qemu-hang")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755))

	drv, err := NewDriver(Options{QEMUBinary: bin, WorkDir: dir})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	began := time.Now()
	err = drv.Start(ctx, &VMConfig{CPUs: 1, MemoryMB: 128, Kernel: "/boot/vmlinuz"}, nopEvents{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(began), 5*time.Second)

	_, err = drv.SaveState(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}
