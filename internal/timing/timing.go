// Package timing measures the phases of bringing a VM up.
package timing

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
)

// Phase is a named span of a Timer.
type Phase struct {
	Name     string
	Duration time.Duration
}

// Timer splits elapsed time into consecutive phases. It is not safe for
// concurrent use.
type Timer struct {
	start  time.Time
	last   time.Time
	phases []Phase
	now    func() time.Time
}

// New starts a Timer.
func New() *Timer {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Timer {
	t := now()
	return &Timer{start: t, last: t, now: now}
}

// Mark ends the current phase under name and returns its duration.
func (t *Timer) Mark(name string) time.Duration {
	now := t.now()
	d := now.Sub(t.last)
	t.last = now
	t.phases = append(t.phases, Phase{Name: name, Duration: d})
	return d
}

// Total is the time since the Timer started.
func (t *Timer) Total() time.Duration {
	return t.now().Sub(t.start)
}

// Phases returns a copy of the recorded phases.
func (t *Timer) Phases() []Phase {
	out := make([]Phase, len(t.phases))
	copy(out, t.phases)
	return out
}

// Fields renders the phases as log fields.
func (t *Timer) Fields() logrus.Fields {
	f := make(logrus.Fields, len(t.phases)+1)
	for _, p := range t.phases {
		f[p.Name] = formatDuration(p.Duration)
	}
	f["total"] = formatDuration(t.last.Sub(t.start))
	return f
}

// Report writes the phases as a table.
func (t *Timer) Report(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Phase", "Duration"})
	for _, p := range t.phases {
		tw.AppendRow(table.Row{p.Name, formatDuration(p.Duration)})
	}
	tw.AppendFooter(table.Row{"Total", formatDuration(t.last.Sub(t.start))})
	tw.Render()
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
