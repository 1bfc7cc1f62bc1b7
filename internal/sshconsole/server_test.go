package sshconsole

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/javanstorm/vmworkbench/internal/serial"
)

// guest is a serial.Source standing in for a running VM.
type guest struct {
	mu    sync.Mutex
	typed bytes.Buffer
	fn    func(b byte)
}

func (g *guest) OnSerialByte(fn func(b byte)) func() {
	g.mu.Lock()
	g.fn = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.fn = nil
		g.mu.Unlock()
	}
}

func (g *guest) SendByte(b byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.typed.WriteByte(b)
}

func (g *guest) SendText(s string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.typed.WriteString(s)
	return err
}

func (g *guest) print(s string) {
	g.mu.Lock()
	fn := g.fn
	g.mu.Unlock()
	if fn == nil {
		return
	}
	for i := 0; i < len(s); i++ {
		fn(s[i])
	}
}

func (g *guest) input() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.typed.String()
}

func clientKey(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, ssh.MarshalAuthorizedKey(signer.PublicKey())
}

type harness struct {
	addr   string
	signer ssh.Signer
	bridge *serial.Bridge
	guest  *guest
}

func startServer(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	signer, line := clientKey(t)
	authPath := filepath.Join(dir, "authorized_keys")
	require.NoError(t, os.WriteFile(authPath, append([]byte("# console users\n"), line...), 0o600))

	g := &guest{}
	bridge := serial.NewBridge(g)
	srv, err := New(Options{
		HostKeyPath:        filepath.Join(dir, "keys", "host_ed25519"),
		AuthorizedKeysPath: authPath,
	}, bridge)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return &harness{addr: ln.Addr().String(), signer: signer, bridge: bridge, guest: g}
}

func dial(t *testing.T, addr string, signer ssh.Signer) (*ssh.Client, error) {
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "console",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

// shell opens a session and returns its stdin and a buffer fed by stdout.
type shell struct {
	sess *ssh.Session
	in   io.WriteCloser
	out  *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func openShell(t *testing.T, client *ssh.Client) *shell {
	t.Helper()
	sess, err := client.NewSession()
	require.NoError(t, err)
	in, err := sess.StdinPipe()
	require.NoError(t, err)
	out := &syncBuffer{}
	sess.Stdout = out
	require.NoError(t, sess.RequestPty("xterm", 24, 80, ssh.TerminalModes{}))
	require.NoError(t, sess.Shell())
	return &shell{sess: sess, in: in, out: out}
}

func TestSessionRelaysSerial(t *testing.T) {
	h := startServer(t)
	client, err := dial(t, h.addr, h.signer)
	require.NoError(t, err)
	defer client.Close()

	sh := openShell(t, client)
	require.Eventually(t, h.bridge.Attached, 2*time.Second, 5*time.Millisecond)

	_, err = sh.in.Write([]byte("uname -a\r"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.guest.input() == "uname -a\r" }, 2*time.Second, 5*time.Millisecond)

	h.guest.print("Linux alpine\r\n")
	require.Eventually(t, func() bool { return sh.out.String() == "Linux alpine\r\n" }, 2*time.Second, 5*time.Millisecond)

	sh.sess.Close()
	require.Eventually(t, func() bool { return !h.bridge.Attached() }, 2*time.Second, 5*time.Millisecond)
}

func TestSecondSessionTakesOver(t *testing.T) {
	h := startServer(t)
	first, err := dial(t, h.addr, h.signer)
	require.NoError(t, err)
	defer first.Close()
	second, err := dial(t, h.addr, h.signer)
	require.NoError(t, err)
	defer second.Close()

	a := openShell(t, first)
	require.Eventually(t, h.bridge.Attached, 2*time.Second, 5*time.Millisecond)
	b := openShell(t, second)

	waitErr := make(chan error, 1)
	go func() { waitErr <- a.sess.Wait() }()
	select {
	case <-waitErr:
	case <-time.After(2 * time.Second):
		t.Fatal("first session not closed after takeover")
	}

	require.Eventually(t, h.bridge.Attached, 2*time.Second, 5*time.Millisecond)
	h.guest.print("$ ")
	require.Eventually(t, func() bool { return b.out.String() == "$ " }, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, a.out.String(), "$ ")
}

func TestUnknownKeyRejected(t *testing.T) {
	h := startServer(t)
	stranger, _ := clientKey(t)
	_, err := dial(t, h.addr, stranger)
	require.Error(t, err)
}

func TestHostKeyPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_ed25519")
	first, err := LoadOrCreateHostKey(path)
	require.NoError(t, err)
	second, err := LoadOrCreateHostKey(path)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadAuthorizedKeys(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("# nobody\n\n"), 0o600))
	_, err := LoadAuthorizedKeys(empty)
	assert.ErrorContains(t, err, "no keys")

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("ssh-ed25519 notbase64!!\n"), 0o600))
	_, err = LoadAuthorizedKeys(bad)
	assert.ErrorContains(t, err, "bad:1")

	_, err = LoadAuthorizedKeys(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
