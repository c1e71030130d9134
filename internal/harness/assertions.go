package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/fieldsync/internal/model"
)

// AssertionError reports a failed assertion with the device trace for
// context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual:   %s\n", e.Actual)
	if len(e.Trace) > 0 {
		buf.WriteString("\ntrace:\n")
		for i, te := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, te)
		}
	}
	return buf.String()
}

func (h *Harness) checkAssertion(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertPending:
		return h.assertPending(ctx, a)
	case AssertRecord:
		return h.assertRecord(ctx, a)
	case AssertServerObservations:
		if got := h.server.Observations(); got != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d observations on the server", a.Count),
				Actual:   fmt.Sprintf("%d", got),
			}
		}
		return nil
	case AssertEventCount:
		return h.assertEventCount(a)
	case AssertEventOrder:
		return h.assertEventOrder(a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) assertPending(ctx context.Context, a Assertion) error {
	d := h.device(a.Device)
	got, err := d.svc.PendingCount(ctx)
	if err != nil {
		return err
	}
	if got != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s has %d pending", d.name, a.Count),
			Actual:   fmt.Sprintf("%d pending", got),
			Trace:    h.deviceTrace(d.name),
		}
	}
	return nil
}

// recordView is what a record assertion can see. Synced records live in
// the confirmed ledger, everything else in the outbox.
type recordView struct {
	state      model.SyncState
	retryCount int
	failure    model.FailureKind
	photo      model.PhotoKind
}

func (h *Harness) lookupRecord(ctx context.Context, d *device, key string) (recordView, error) {
	rec, err := d.store.Get(ctx, key)
	if err == nil {
		return recordView{
			state:      rec.SyncState,
			retryCount: rec.RetryCount,
			failure:    rec.FailureKind,
			photo:      rec.Photo.Kind,
		}, nil
	}
	if !errors.Is(err, model.ErrRecordNotFound) {
		return recordView{}, err
	}

	conf, err := d.store.GetConfirmed(ctx, key)
	if err != nil {
		return recordView{}, err
	}
	view := recordView{state: model.SyncSynced, photo: model.PhotoAbsent}
	if conf.PhotoURL != "" {
		view.photo = model.PhotoRemote
	}
	return view, nil
}

func (h *Harness) assertRecord(ctx context.Context, a Assertion) error {
	d := h.device(a.Device)
	view, err := h.lookupRecord(ctx, d, a.Key)
	if errors.Is(err, model.ErrRecordNotFound) {
		if a.State == "absent" {
			return nil
		}
		return &AssertionError{Type: a.Type, Expected: "record " + a.Key, Actual: "no such record"}
	}
	if err != nil {
		return err
	}

	var mismatches []string
	if a.State != "" && string(view.state) != a.State {
		mismatches = append(mismatches, fmt.Sprintf("state %s, want %s", view.state, a.State))
	}
	if a.RetryCount != nil && view.retryCount != *a.RetryCount {
		mismatches = append(mismatches, fmt.Sprintf("retry_count %d, want %d", view.retryCount, *a.RetryCount))
	}
	if a.Failure != "" && string(view.failure) != a.Failure {
		mismatches = append(mismatches, fmt.Sprintf("failure %q, want %q", view.failure, a.Failure))
	}
	if a.Photo != "" && string(view.photo) != a.Photo {
		mismatches = append(mismatches, fmt.Sprintf("photo %s, want %s", view.photo, a.Photo))
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     a.Type,
			Expected: "record " + a.Key + " as declared",
			Actual:   strings.Join(mismatches, "; "),
			Trace:    h.deviceTrace(d.name),
		}
	}
	return nil
}

func (h *Harness) assertEventCount(a Assertion) error {
	d := h.device(a.Device)
	got := 0
	for _, ev := range h.result.Events(d.name) {
		if ev.Name() == a.Event {
			got++
		}
	}
	if got != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s published %s %d times", d.name, a.Event, a.Count),
			Actual:   fmt.Sprintf("%d times", got),
			Trace:    h.deviceTrace(d.name),
		}
	}
	return nil
}

// assertEventOrder checks that events appear in the given relative order.
// Other events may appear in between.
func (h *Harness) assertEventOrder(a Assertion) error {
	d := h.device(a.Device)
	events := h.result.Events(d.name)

	next := 0
	for _, ev := range events {
		if next < len(a.Events) && ev.Name() == a.Events[next] {
			next++
		}
	}
	if next < len(a.Events) {
		return &AssertionError{
			Type:     a.Type,
			Expected: "events in order " + strings.Join(a.Events, ", "),
			Actual:   fmt.Sprintf("sequence broke at %s", a.Events[next]),
			Trace:    h.deviceTrace(d.name),
		}
	}
	return nil
}

func (h *Harness) deviceTrace(name string) []TraceEvent {
	var out []TraceEvent
	for _, te := range h.result.Trace {
		if te.Device == name {
			out = append(out, te)
		}
	}
	return out
}
