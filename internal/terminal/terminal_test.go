package terminal

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/javanstorm/vmworkbench/internal/serial"
)

// fakeLine records keystrokes and the attached consumer.
type fakeLine struct {
	sink
	mu       sync.Mutex
	consumer io.Writer
	released bool
}

func (l *fakeLine) Attach(c io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumer = c
}

func (l *fakeLine) Release(c io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consumer == c {
		l.consumer = nil
		l.released = true
	}
}

func (l *fakeLine) current() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumer
}

var _ Line = (*serial.Bridge)(nil)

func newPipeConsole(t *testing.T) (*Console, *os.File, *sink) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		w.Close()
		r.Close()
	})
	var out sink
	return NewConsole(r, &out), w, &out
}

func TestConsoleEscape(t *testing.T) {
	c, keys, _ := newPipeConsole(t)
	line := &fakeLine{}

	go keys.Write([]byte{'l', 's', '\r', EscapeChar, EscapeChar})
	err := c.Attach(context.Background(), line)
	if !errors.Is(err, ErrEscapeSequence) {
		t.Fatalf("err = %v, want ErrEscapeSequence", err)
	}
	if line.String() != "ls\r" {
		t.Errorf("line got %q", line.String())
	}
	if !line.released {
		t.Error("console not released")
	}
}

func TestConsoleShowsOutput(t *testing.T) {
	c, keys, out := newPipeConsole(t)
	line := &fakeLine{}
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- c.Attach(ctx, line) }()

	deadline := time.Now().Add(time.Second)
	for line.current() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	consumer := line.current()
	if consumer == nil {
		t.Fatal("console never attached")
	}
	consumer.Write([]byte("login: "))
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	keys.Close()

	if got := out.String(); len(got) < 7 || got[len(got)-7:] != "login: " {
		t.Errorf("output %q does not end with guest text", got)
	}
}

func TestConsoleReplaced(t *testing.T) {
	c, keys, _ := newPipeConsole(t)
	line := &fakeLine{}

	errc := make(chan error, 1)
	go func() { errc <- c.Attach(context.Background(), line) }()

	deadline := time.Now().Add(time.Second)
	for line.current() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d, ok := line.current().(serial.Detacher)
	if !ok {
		t.Fatal("console consumer does not implement Detacher")
	}
	d.Detached()

	if err := <-errc; !errors.Is(err, ErrReplaced) {
		t.Fatalf("err = %v, want ErrReplaced", err)
	}
	keys.Close()
}

func TestConsoleInputClosed(t *testing.T) {
	c, keys, _ := newPipeConsole(t)
	keys.Close()
	if err := c.Attach(context.Background(), &fakeLine{}); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
}
