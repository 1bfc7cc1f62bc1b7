// Package serial relays bytes between a VM's serial line and a single
// terminal consumer.
package serial

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Source is the VM side of the bridge.
type Source interface {
	OnSerialByte(fn func(b byte)) (cancel func())
	SendByte(b byte) error
	SendText(s string) error
}

// Detacher is implemented by consumers that want to know when the bridge
// lets go of them, either because another consumer attached or because a
// write failed.
type Detacher interface {
	Detached()
}

// Bridge connects at most one consumer to the current Source. Output bytes
// are written to the consumer; Write sends keystrokes to the Source. Once
// Attach, Detach or Release returns, the replaced consumer receives no
// further bytes.
type Bridge struct {
	mu       sync.Mutex
	src      Source
	consumer io.Writer
	sink     *sink
	cancel   func()
	gen      uint64
}

// sink guards writes to one consumer so that detaching waits out a write
// already in progress.
type sink struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (s *sink) write(x byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	_, err := s.w.Write([]byte{x})
	return err
}

// close waits for an in-progress write and blocks later ones.
func (s *sink) close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// NewBridge returns a bridge bound to src, which may be nil.
func NewBridge(src Source) *Bridge {
	return &Bridge{src: src}
}

// Attach makes c the consumer, detaching any previous one first.
func (b *Bridge) Attach(c io.Writer) {
	b.mu.Lock()
	prev := b.detachLocked()
	b.consumer = c
	b.sink = &sink{w: c}
	b.subscribeLocked()
	b.mu.Unlock()

	finishDetach(prev)
	logrus.Debug("serial consumer attached")
}

// Detach drops the current consumer. It never fails and may be repeated.
func (b *Bridge) Detach() {
	b.mu.Lock()
	prev := b.detachLocked()
	b.mu.Unlock()
	finishDetach(prev)
}

// Release detaches c only if it is still the current consumer.
func (b *Bridge) Release(c io.Writer) {
	b.mu.Lock()
	if b.consumer != c {
		b.mu.Unlock()
		return
	}
	prev := b.detachLocked()
	b.mu.Unlock()
	finishDetach(prev)
}

// Attached reports whether a consumer is attached.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumer != nil
}

// Rebind moves the bridge, and its consumer, to src. src may be nil when
// no VM runs.
func (b *Bridge) Rebind(src Source) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.src = src
	if b.consumer != nil {
		b.subscribeLocked()
	}
}

func (b *Bridge) subscribeLocked() {
	b.gen++
	if b.src == nil || b.consumer == nil {
		return
	}
	gen, s := b.gen, b.sink
	b.cancel = b.src.OnSerialByte(func(x byte) {
		b.deliver(gen, s, x)
	})
}

// detachLocked clears the consumer and returns its sink.
func (b *Bridge) detachLocked() *sink {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	prev := b.sink
	b.consumer, b.sink = nil, nil
	b.gen++
	return prev
}

// finishDetach tells the old consumer it was dropped, then waits for any
// write to it still in progress. The notification comes first so a
// consumer can unblock its own pending write.
func finishDetach(s *sink) {
	if s == nil {
		return
	}
	if d, ok := s.w.(Detacher); ok {
		d.Detached()
	}
	s.close()
}

// deliver writes x to s unless s was detached since subscribing.
func (b *Bridge) deliver(gen uint64, s *sink, x byte) {
	b.mu.Lock()
	current := b.gen == gen
	b.mu.Unlock()
	if !current {
		return
	}
	if err := s.write(x); err != nil {
		logrus.WithError(err).Debug("serial consumer write failed, detaching")
		b.mu.Lock()
		if b.sink != s {
			b.mu.Unlock()
			return
		}
		prev := b.detachLocked()
		b.mu.Unlock()
		finishDetach(prev)
	}
}

func (b *Bridge) source() Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src
}

// Write sends keystrokes to the VM. Without a VM the bytes are dropped.
func (b *Bridge) Write(p []byte) (int, error) {
	src := b.source()
	if src == nil {
		return len(p), nil
	}
	for i, c := range p {
		if err := src.SendByte(c); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// SendText sends s to the VM in one piece. Without a VM it is dropped.
func (b *Bridge) SendText(s string) error {
	src := b.source()
	if src == nil {
		return nil
	}
	return src.SendText(s)
}
