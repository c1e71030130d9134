package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/fieldsync/internal/engine"
)

// TraceEvent is one engine event, tagged with the device that published it.
type TraceEvent struct {
	Device string
	Event  engine.Event
}

// String renders the event as one stable trace line.
func (e TraceEvent) String() string {
	var b strings.Builder
	b.WriteString(e.Device)
	b.WriteByte(' ')
	b.WriteString(e.Event.Name())

	switch ev := e.Event.(type) {
	case engine.PendingCountChanged:
		fmt.Fprintf(&b, " count=%d", ev.Count)
	case engine.ConnectivityChanged:
		fmt.Fprintf(&b, " online=%t", ev.Online)
	case engine.RecordSynced:
		fmt.Fprintf(&b, " key=%s server_id=%s", ev.LocalKey, ev.ServerID)
		if ev.PhotoURL != "" {
			fmt.Fprintf(&b, " photo=%s", ev.PhotoURL)
		}
		if ev.PhotoDropped {
			b.WriteString(" photo_dropped")
		}
	case engine.RecordConflicted:
		fmt.Fprintf(&b, " key=%s", ev.LocalKey)
		if ev.Conflict != nil {
			fmt.Fprintf(&b, " server_id=%s", ev.Conflict.ServerID)
		}
	case engine.RecordFailed:
		fmt.Fprintf(&b, " key=%s kind=%s retries=%d", ev.LocalKey, ev.Kind, ev.RetryCount)
		if ev.Terminal {
			b.WriteString(" terminal")
		}
	case engine.SyncFinished:
		r := ev.Report
		fmt.Fprintf(&b, " attempted=%d synced=%d failed=%d rejected=%d conflicted=%d",
			r.Attempted, r.Synced, r.Failed, r.Rejected, r.Conflicted)
	}
	return b.String()
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool

	// Trace holds every event from every device in publication order.
	Trace []TraceEvent

	// Errors describes each failed check.
	Errors []string
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failed check.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Events returns the trace of one device.
func (r *Result) Events(device string) []engine.Event {
	var out []engine.Event
	for _, te := range r.Trace {
		if te.Device == device {
			out = append(out, te.Event)
		}
	}
	return out
}

// TraceText renders the whole trace, one event per line.
func (r *Result) TraceText() string {
	var b strings.Builder
	for _, te := range r.Trace {
		b.WriteString(te.String())
		b.WriteByte('\n')
	}
	return b.String()
}
