package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversInOrder(t *testing.T) {
	b := NewBus()

	var got []string
	b.Subscribe(func(ev Event) { got = append(got, "a:"+ev.Name()) })
	b.Subscribe(func(ev Event) { got = append(got, "b:"+ev.Name()) })

	b.Publish(SyncStarted{})
	b.Publish(PendingCountChanged{Count: 3})

	assert.Equal(t, []string{
		"a:sync_started", "b:sync_started",
		"a:pending_count_changed", "b:pending_count_changed",
	}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()

	calls := 0
	unsub := b.Subscribe(func(Event) { calls++ })
	b.Publish(SyncStarted{})
	unsub()
	unsub()
	b.Publish(SyncStarted{})

	assert.Equal(t, 1, calls)
}

func TestEventNames(t *testing.T) {
	events := []Event{
		PendingCountChanged{}, RecordSynced{}, RecordConflicted{}, RecordFailed{},
		SyncStarted{}, SyncFinished{}, ConnectivityChanged{},
	}
	seen := map[string]bool{}
	for _, ev := range events {
		assert.NotEmpty(t, ev.Name())
		assert.False(t, seen[ev.Name()], "duplicate name %s", ev.Name())
		seen[ev.Name()] = true
	}
}
