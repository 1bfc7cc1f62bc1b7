// Package terminal attaches the local terminal to a VM serial line.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// ErrReplaced is returned by Attach when another consumer took the line.
var ErrReplaced = errors.New("console replaced by another consumer")

// Line is the serial line a Console attaches to. *serial.Bridge implements it.
type Line interface {
	io.Writer
	Attach(c io.Writer)
	Release(c io.Writer)
}

// Console wraps terminal operations for VM attachment.
type Console struct {
	stdin  *os.File
	stdout io.Writer
	fd     int
}

// Current returns the current console.
func Current() *Console {
	return NewConsole(os.Stdin, os.Stdout)
}

// NewConsole returns a console reading keystrokes from in and writing VM
// output to out.
func NewConsole(in *os.File, out io.Writer) *Console {
	return &Console{
		stdin:  in,
		stdout: out,
		fd:     int(in.Fd()),
	}
}

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRaw puts the terminal into raw mode and returns restore function.
// When stdin is not a terminal it does nothing.
func (c *Console) SetRaw() (func(), error) {
	if !term.IsTerminal(c.fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		term.Restore(c.fd, oldState)
	}, nil
}

// Size returns the current terminal size.
func (c *Console) Size() (width, height int, err error) {
	return term.GetSize(c.fd)
}

// screen is the console's side of the line. It learns when the line drops it.
type screen struct {
	w        io.Writer
	mu       sync.Mutex
	detached chan struct{}
	once     sync.Once
}

func (s *screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *screen) Detached() {
	s.once.Do(func() { close(s.detached) })
}

// Attach connects the terminal to line until ctx ends, the user types the
// escape sequence (Ctrl+] twice), another consumer replaces the console, or
// stdin closes. It returns ErrEscapeSequence or ErrReplaced for the middle
// two cases. The terminal is restored before returning.
//
// The stdin reader goroutine stays blocked in Read until the next keystroke
// or EOF.
func (c *Console) Attach(ctx context.Context, line Line) error {
	restore, err := c.SetRaw()
	if err != nil {
		return err
	}
	defer restore()

	fmt.Fprintf(c.stdout, "Escape sequence: Ctrl+] Ctrl+] (press twice quickly to exit)\r\n")

	out := &screen{w: c.stdout, detached: make(chan struct{})}
	line.Attach(out)
	defer line.Release(out)

	keys := NewEscapeDetector(line, EscapeTimeout)
	defer keys.Close()

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(keys, c.stdin)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-keys.Escaped():
		fmt.Fprintf(c.stdout, "\r\nEscape sequence detected, exiting...\r\n")
		return ErrEscapeSequence
	case <-out.detached:
		fmt.Fprintf(c.stdout, "\r\nConsole taken over by another session.\r\n")
		return ErrReplaced
	case err := <-copyDone:
		if errors.Is(err, ErrEscapeSequence) {
			fmt.Fprintf(c.stdout, "\r\nEscape sequence detected, exiting...\r\n")
			return ErrEscapeSequence
		}
		if err != nil {
			logrus.WithError(err).Debug("console input closed")
		}
		return nil
	}
}
