package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	if opts.Root == "" {
		opts.Root = filepath.Join(t.TempDir(), "state")
	}
	if opts.Passphrase != "" && opts.ScryptWorkFactor == 0 {
		opts.ScryptWorkFactor = 10
	}
	b := New(opts)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func randomBlob(t *testing.T, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	_, err := rand.Read(p)
	require.NoError(t, err)
	return p
}

func TestNotInitialized(t *testing.T) {
	ctx := context.Background()
	b := New(Options{Root: t.TempDir()})

	_, err := b.Put(ctx, "x", []byte("a"))
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = b.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = b.Delete(ctx, "x")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = b.List(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = b.Stat(ctx, "x")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = b.EstimateQuota(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeUnavailable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	b := New(Options{Root: filepath.Join(file, "state")})
	assert.ErrorIs(t, b.Initialize(context.Background()), ErrStorageUnavailable)
}

func TestInitializeIdempotentAndCleansPartial(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "states"), 0o700))
	leftover := filepath.Join(root, "states", "default.bin.tmp")
	require.NoError(t, os.WriteFile(leftover, []byte("half"), 0o600))

	b := New(Options{Root: root})
	require.NoError(t, b.Initialize(context.Background()))
	require.NoError(t, b.Initialize(context.Background()))
	defer b.Close()

	assert.NoFileExists(t, leftover)
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	text := bytes.Repeat([]byte("vmworkbench serial state "), 4096)

	tests := []struct {
		name       string
		opts       Options
		blob       []byte
		wantStored Compression
	}{
		{"none", Options{}, text, CompressionNone},
		{"lz4", Options{Compression: CompressionLZ4}, text, CompressionLZ4},
		{"zstd", Options{Compression: CompressionZstd}, text, CompressionZstd},
		{"zstd incompressible", Options{Compression: CompressionZstd}, randomBlob(t, 64<<10), CompressionNone},
		{"lz4 encrypted", Options{Compression: CompressionLZ4, Passphrase: "hunter2"}, text, CompressionLZ4},
		{"empty blob", Options{Compression: CompressionZstd}, []byte{}, CompressionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t, tt.opts)

			p, err := b.Put(ctx, "default", tt.blob)
			require.NoError(t, err)
			assert.Equal(t, "states/default.bin", p)

			got, err := b.Get(ctx, "default")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.blob, got))

			info, err := b.Stat(ctx, "default")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStored, info.Compression)
			assert.Equal(t, uint64(len(tt.blob)), info.Size)
			assert.Equal(t, tt.opts.Passphrase != "", info.Encrypted)
		})
	}
}

func TestGetMissing(t *testing.T) {
	b := newBackend(t, Options{})
	blob, err := b.Get(context.Background(), "nope")
	assert.Nil(t, blob)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.Stat(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTampered(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Options{})
	_, err := b.Put(ctx, "default", []byte("original state"))
	require.NoError(t, err)

	file := filepath.Join(b.Root(), "states", "default.bin")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(file, data, 0o600))

	_, err = b.Get(ctx, "default")
	assert.ErrorIs(t, err, ErrReadFailed)
}

// writeEnvelope stores a hand-built envelope under id, bypassing Put.
func writeEnvelope(t *testing.T, b *Backend, id string, h header, payload []byte) {
	t.Helper()
	hdr, err := encMode.Marshal(&h)
	require.NoError(t, err)
	data := append([]byte(envelopeMagic), envelopeVersion)
	data = binary.BigEndian.AppendUint32(data, uint32(len(hdr)))
	data = append(data, hdr...)
	data = append(data, payload...)
	require.NoError(t, os.WriteFile(filepath.Join(b.Root(), "states", fileName(id)), data, 0o600))
}

func TestGetForgedSize(t *testing.T) {
	payload := []byte{0x00, 0x01}
	sizes := []uint64{1 << 63, 1 << 40, 1 << 20}
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/%d", c, size), func(t *testing.T) {
				ctx := context.Background()
				b := newBackend(t, Options{})
				writeEnvelope(t, b, "bad", header{
					ID:          "bad",
					Size:        size,
					StoredSize:  uint64(len(payload)),
					Compression: c,
					Digest:      digest(nil),
				}, payload)

				var err error
				require.NotPanics(t, func() { _, err = b.Get(ctx, "bad") })
				assert.ErrorIs(t, err, ErrReadFailed)
			})
		}
	}
}

func TestGetEncryptedWithoutPassphrase(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "state")
	enc := newBackend(t, Options{Root: root, Passphrase: "secret"})
	_, err := enc.Put(ctx, "default", []byte("guest memory"))
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	plain := newBackend(t, Options{Root: root})
	_, err = plain.Get(ctx, "default")
	assert.ErrorIs(t, err, ErrReadFailed)

	wrong := New(Options{Root: root, Passphrase: "wrong"})
	require.NoError(t, wrong.Initialize(ctx))
	defer wrong.Close()
	_, err = wrong.Get(ctx, "default")
	assert.ErrorIs(t, err, ErrReadFailed)
}

func TestPutSkipsIdenticalContent(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Options{Compression: CompressionZstd})
	blob := bytes.Repeat([]byte{0xAB}, 8192)

	_, err := b.Put(ctx, "default", blob)
	require.NoError(t, err)
	file := filepath.Join(b.Root(), "states", "default.bin")
	before, err := os.Stat(file)
	require.NoError(t, err)

	_, err = b.Put(ctx, "default", blob)
	require.NoError(t, err)
	after, err := os.Stat(file)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after), "identical put must not replace the file")

	_, err = b.Put(ctx, "default", append(blob, 1))
	require.NoError(t, err)
	replaced, err := os.Stat(file)
	require.NoError(t, err)
	assert.False(t, os.SameFile(before, replaced))
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Options{})

	_, err := b.Put(ctx, "default", []byte("one"))
	require.NoError(t, err)
	_, err = b.Put(ctx, "default", []byte("two"))
	require.NoError(t, err)

	got, err := b.Get(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	entries, err := os.ReadDir(filepath.Join(b.Root(), "states"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInvalidIDs(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Options{})

	for _, id := range []string{"", "../escape", "a/b", `a\b`, ".hidden", "..", "nul\x00", "sp ace"} {
		t.Run(id, func(t *testing.T) {
			_, err := b.Put(ctx, id, []byte("x"))
			assert.ErrorIs(t, err, ErrInvalidID)
			_, err = b.Get(ctx, id)
			assert.ErrorIs(t, err, ErrInvalidID)
			_, err = b.Delete(ctx, id)
			assert.ErrorIs(t, err, ErrInvalidID)
		})
	}
	assert.NoError(t, ValidateID("snap-2024.01_a"))
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Options{})

	ids, err := b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []string{"a", "b", "c"} {
		_, err := b.Put(ctx, id, []byte(id))
		require.NoError(t, err)
	}
	ids, err = b.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)

	existed, err := b.Delete(ctx, "b")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = b.Delete(ctx, "b")
	require.NoError(t, err)
	assert.False(t, existed)

	ids, err = b.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestEstimateQuota(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Options{})

	before, err := b.EstimateQuota(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, before.UsageBytes, before.QuotaBytes)

	_, err = b.Put(ctx, "big", randomBlob(t, 10<<20))
	require.NoError(t, err)

	after, err := b.EstimateQuota(ctx)
	require.NoError(t, err)
	assert.Greater(t, after.UsageBytes, before.UsageBytes)
	assert.GreaterOrEqual(t, after.UsageBytes, uint64(10<<20))
	assert.LessOrEqual(t, after.UsageBytes, after.QuotaBytes)
}

func TestQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Options{QuotaBytes: 4096})

	_, err := b.Put(ctx, "small", []byte("fits"))
	require.NoError(t, err)

	_, err = b.Put(ctx, "large", randomBlob(t, 8192))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	q, err := b.EstimateQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), q.QuotaBytes)
}

func TestContextCanceled(t *testing.T) {
	b := newBackend(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Put(ctx, "default", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
