package serial

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultLineDelay paces injected lines so the guest shell keeps up.
const DefaultLineDelay = 50 * time.Millisecond

// TextSender accepts whole chunks of text for the guest.
type TextSender interface {
	SendText(s string) error
}

// Injector types a script into the guest one line at a time.
type Injector struct {
	dst   TextSender
	delay time.Duration
}

// NewInjector returns an Injector writing to dst with delay between lines.
func NewInjector(dst TextSender, delay time.Duration) *Injector {
	return &Injector{dst: dst, delay: delay}
}

// Inject sends every line of script followed by "\n". It stops early when
// ctx ends. Delivery is best effort: the guest may still drop input.
func (i *Injector) Inject(ctx context.Context, script string) error {
	lines := strings.Split(script, "\n")
	for n, line := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := i.dst.SendText(line + "\n"); err != nil {
			return fmt.Errorf("serial: inject line %d: %w", n+1, err)
		}
		if i.delay <= 0 || n == len(lines)-1 {
			continue
		}
		t := time.NewTimer(i.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
