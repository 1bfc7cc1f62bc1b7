package terminal

import (
	"errors"
	"io"
	"sync"
	"time"
)

const (
	// EscapeChar is Ctrl+] (0x1D).
	EscapeChar = 0x1D

	// EscapeCount is the number of consecutive escape chars needed.
	EscapeCount = 2

	// EscapeTimeout is the maximum time between escape key presses.
	EscapeTimeout = 500 * time.Millisecond
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("escape sequence detected")

// EscapeDetector forwards keystrokes to dst while watching for EscapeCount
// EscapeChar bytes typed within EscapeTimeout of each other. Escape chars
// are held back until the sequence either completes or times out; a lone
// Ctrl+] still reaches the guest.
type EscapeDetector struct {
	dst     io.Writer
	timeout time.Duration

	escaped     chan struct{}
	escapedOnce sync.Once

	mu    sync.Mutex
	held  int
	last  time.Time
	timer *time.Timer
	err   error
}

// NewEscapeDetector returns a detector writing to dst. A zero timeout uses
// EscapeTimeout.
func NewEscapeDetector(dst io.Writer, timeout time.Duration) *EscapeDetector {
	if timeout <= 0 {
		timeout = EscapeTimeout
	}
	return &EscapeDetector{
		dst:     dst,
		timeout: timeout,
		escaped: make(chan struct{}),
	}
}

// Escaped is closed once the escape sequence is typed.
func (e *EscapeDetector) Escaped() <-chan struct{} {
	return e.escaped
}

// Write filters p and forwards it. After the escape sequence it returns
// ErrEscapeSequence and forwards nothing more.
func (e *EscapeDetector) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return 0, e.err
	}

	out := make([]byte, 0, len(p)+e.held)
	for _, b := range p {
		if b != EscapeChar {
			out = appendEscapes(out, e.held)
			out = append(out, b)
			e.held = 0
			continue
		}

		now := time.Now()
		if e.held > 0 && now.Sub(e.last) > e.timeout {
			out = appendEscapes(out, e.held)
			e.held = 0
		}
		e.held++
		e.last = now
		if e.held >= EscapeCount {
			e.held = 0
			e.stopTimerLocked()
			e.err = ErrEscapeSequence
			e.escapedOnce.Do(func() { close(e.escaped) })
			if err := e.forwardLocked(out); err != nil {
				return 0, err
			}
			return len(p), ErrEscapeSequence
		}
	}

	if e.held > 0 {
		e.armTimerLocked()
	} else {
		e.stopTimerLocked()
	}
	if err := e.forwardLocked(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func appendEscapes(out []byte, n int) []byte {
	for range n {
		out = append(out, EscapeChar)
	}
	return out
}

func (e *EscapeDetector) forwardLocked(out []byte) error {
	if len(out) == 0 {
		return nil
	}
	_, err := e.dst.Write(out)
	return err
}

func (e *EscapeDetector) armTimerLocked() {
	if e.timer == nil {
		e.timer = time.AfterFunc(e.timeout, e.flushExpired)
		return
	}
	e.timer.Reset(e.timeout)
}

func (e *EscapeDetector) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// flushExpired forwards escape chars whose window passed without a second
// press.
func (e *EscapeDetector) flushExpired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held == 0 || e.err != nil || time.Since(e.last) < e.timeout {
		return
	}
	n := e.held
	e.held = 0
	_ = e.forwardLocked(appendEscapes(nil, n))
}

// Close stops the flush timer. Held escape chars are dropped.
func (e *EscapeDetector) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimerLocked()
	e.held = 0
	return nil
}
