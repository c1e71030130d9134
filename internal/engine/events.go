package engine

import (
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// Event is a notification for the UI layer. The concrete types below are
// the complete set.
type Event interface {
	// Name is a stable identifier, used in logs and JSON output.
	Name() string
}

// PendingCountChanged reports a new number of undelivered records.
type PendingCountChanged struct {
	Count int
}

// RecordSynced reports a record confirmed by the server and archived.
type RecordSynced struct {
	LocalKey     string
	ServerID     string
	PhotoURL     string
	PhotoDropped bool
}

// RecordConflicted reports a record the server refused because another
// observation already owns the pair. It is kept for operator review.
type RecordConflicted struct {
	LocalKey string
	Conflict *model.ConflictError
}

// RecordFailed reports a failed attempt. Terminal records are not retried
// automatically.
type RecordFailed struct {
	LocalKey      string
	Kind          model.FailureKind
	RetryCount    int
	Err           string
	NextAttemptAt *time.Time
	Terminal      bool
}

// SyncStarted is published when a pass claims its first record.
type SyncStarted struct{}

// SyncFinished is published at the end of a pass that did any work.
type SyncFinished struct {
	Report Report
}

// ConnectivityChanged mirrors a connectivity monitor transition.
type ConnectivityChanged struct {
	Online bool
}

func (PendingCountChanged) Name() string { return "pending_count_changed" }
func (RecordSynced) Name() string        { return "record_synced" }
func (RecordConflicted) Name() string    { return "record_conflicted" }
func (RecordFailed) Name() string        { return "record_failed" }
func (SyncStarted) Name() string         { return "sync_started" }
func (SyncFinished) Name() string        { return "sync_finished" }
func (ConnectivityChanged) Name() string { return "connectivity_changed" }

// Bus fans events out to subscribers.
//
// Handlers run synchronously on the publishing goroutine, in subscription
// order, and must return quickly.
//
// Thread-safety: Bus is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
	order  []int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn. The returned function removes it and may be
// called any number of times.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers ev to every current subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
