package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/photo"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// The store's database handle lives until test cleanup, after VerifyNone.
var ignoreDB = goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener")

// eventLog records published events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Name()
	}
	return out
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, got := range l.names() {
		if got == name {
			n++
		}
	}
	return n
}

type harness struct {
	store   *store.Store
	server  *testutil.FakeServer
	photos  *photo.Pipeline
	monitor *connectivity.Monitor
	clock   *testutil.FakeClock
	engine  *Engine
	events  *eventLog
}

func setupEngine(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	server := testutil.NewFakeServer()
	photos := photo.NewPipeline(st, server, testutil.NewKeySequence("photo"), nil)
	monitor := connectivity.NewMonitor(true, nil)

	opts = append([]Option{
		WithClock(clock),
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, InitialDelay: 30 * time.Second, MaxDelay: 10 * time.Minute, Multiplier: 2}),
		WithRetryTick(5 * time.Millisecond),
	}, opts...)
	eng := New(st, server, photos, monitor, opts...)
	t.Cleanup(eng.Close)

	log := &eventLog{}
	eng.Subscribe(log.add)

	return &harness{
		store:   st,
		server:  server,
		photos:  photos,
		monitor: monitor,
		clock:   clock,
		engine:  eng,
		events:  log,
	}
}

// appendRecord queues a pending observation, optionally with a photo.
func (h *harness) appendRecord(t *testing.T, key, asset string, withPhoto bool) {
	t.Helper()
	ctx := context.Background()
	rec := model.ObservationRecord{
		LocalKey:    key,
		CampaignID:  "camp-1",
		AssetID:     model.AssetID(asset),
		Status:      model.StatusConfirmed,
		Photo:       model.NoPhoto(),
		CollectedAt: h.clock.Now(),
		SyncState:   model.SyncPending,
	}
	if withPhoto {
		handle, err := h.photos.CaptureBytes(ctx, []byte("jpeg:"+key))
		require.NoError(t, err)
		rec.Photo = model.LocalPhoto(handle)
	}
	_, err := h.store.Append(ctx, rec)
	require.NoError(t, err)
}

func (h *harness) drain(t *testing.T) Report {
	t.Helper()
	report, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	return report
}

func (h *harness) get(t *testing.T, key string) model.ObservationRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func (h *harness) confirmed(t *testing.T, key string) model.ConfirmedRecord {
	t.Helper()
	rec, err := h.store.GetConfirmed(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func TestDrain_FIFOAndArchive(t *testing.T) {
	h := setupEngine(t)

	var mu sync.Mutex
	var order []string
	h.server.BeforeCommit(func(rec model.ObservationRecord) {
		mu.Lock()
		order = append(order, rec.LocalKey)
		mu.Unlock()
	})

	h.appendRecord(t, "k1", "a1", false)
	h.appendRecord(t, "k2", "a2", false)
	h.appendRecord(t, "k3", "a3", false)

	report := h.drain(t)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 3, report.Synced)
	assert.Equal(t, []string{"k1", "k2", "k3"}, order)

	all, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "synced records leave the outbox")

	c := h.confirmed(t, "k2")
	assert.NotEmpty(t, c.ServerID)
	assert.Equal(t, model.AssetID("a2"), c.AssetID)
	assert.Equal(t, 3, h.server.Observations())

	assert.Equal(t, 1, h.events.count("sync_started"))
	assert.Equal(t, 1, h.events.count("sync_finished"))
	assert.Equal(t, 3, h.events.count("record_synced"))
}

func TestDrain_OfflineDoesNothing(t *testing.T) {
	h := setupEngine(t)
	h.monitor.Set(false)
	h.appendRecord(t, "k1", "a1", false)

	report := h.drain(t)
	assert.True(t, report.Offline)
	assert.Zero(t, report.Attempted)

	commits, _, _ := h.server.Calls()
	assert.Zero(t, commits)
	assert.Equal(t, model.SyncPending, h.get(t, "k1").SyncState)
}

func TestDrain_NetworkFailureSchedulesRetry(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", false)
	h.appendRecord(t, "k2", "a2", false)
	h.server.FailCommits(1)

	report := h.drain(t)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Attempted, "network failure ends the pass")

	k1 := h.get(t, "k1")
	assert.Equal(t, model.SyncFailed, k1.SyncState)
	assert.Equal(t, 1, k1.RetryCount)
	assert.Equal(t, model.FailureNetwork, k1.FailureKind)
	require.NotNil(t, k1.NextAttemptAt)
	assert.True(t, k1.NextAttemptAt.Equal(testutil.Epoch.Add(30*time.Second)))
	assert.Equal(t, model.SyncPending, h.get(t, "k2").SyncState)

	// Not yet due: k1 waits, k2 goes through.
	report = h.drain(t)
	assert.Zero(t, report.Requeued)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, model.SyncFailed, h.get(t, "k1").SyncState)

	h.clock.Advance(30 * time.Second)
	report = h.drain(t)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 2, h.server.Observations())
}

func TestDrain_OnlineEdgeRequeuesImmediately(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", false)
	h.server.FailCommits(1)
	h.drain(t)
	require.Equal(t, model.SyncFailed, h.get(t, "k1").SyncState)

	h.monitor.Set(false)
	h.monitor.Set(true)

	report := h.drain(t)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 2, h.events.count("connectivity_changed"))
}

func TestDrain_LostResponseIsDeliveredOnce(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", false)
	h.server.FailCommitsAfterApply(1)

	h.drain(t)
	assert.Equal(t, model.SyncFailed, h.get(t, "k1").SyncState)
	assert.Equal(t, 1, h.server.Observations(), "server already holds the check-in")

	h.clock.Advance(time.Minute)
	report := h.drain(t)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, h.server.Observations())

	_, _, ok := h.server.Committed("k1")
	assert.True(t, ok)
	commits, _, _ := h.server.Calls()
	assert.Equal(t, 2, commits)
}

func TestDrain_Conflict(t *testing.T) {
	h := setupEngine(t)
	owner := h.server.Seed("camp-1", "a1", "other-device")
	h.appendRecord(t, "k1", "a1", false)

	report := h.drain(t)
	assert.Equal(t, 1, report.Conflicted)

	rec := h.get(t, "k1")
	assert.Equal(t, model.SyncConflicted, rec.SyncState)
	assert.Contains(t, rec.LastError, owner)
	assert.Equal(t, 1, h.events.count("record_conflicted"))

	// Never retried automatically, not even on an online edge.
	h.monitor.Set(false)
	h.monitor.Set(true)
	h.clock.Advance(time.Hour)
	h.drain(t)
	commits, _, _ := h.server.Calls()
	assert.Equal(t, 1, commits)
}

func TestDrain_ServerRejectionIsTerminal(t *testing.T) {
	h := setupEngine(t)
	h.server.RejectAsset("a1", "asset retired")
	h.appendRecord(t, "k1", "a1", false)

	report := h.drain(t)
	assert.Equal(t, 1, report.Rejected)

	rec := h.get(t, "k1")
	assert.Equal(t, model.SyncFailed, rec.SyncState)
	assert.Equal(t, model.FailureValidation, rec.FailureKind)
	assert.Contains(t, rec.LastError, "asset retired")
	assert.True(t, rec.Exhausted(h.engine.Policy().MaxRetries))

	h.clock.Advance(time.Hour)
	h.monitor.Set(false)
	h.monitor.Set(true)
	h.drain(t)
	commits, _, _ := h.server.Calls()
	assert.Equal(t, 1, commits)
}

func TestDrain_RetryBudgetThenResend(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", false)
	h.server.FailCommits(100)

	for i := 0; i < 5; i++ {
		h.drain(t)
		h.clock.Advance(time.Hour)
	}

	rec := h.get(t, "k1")
	assert.Equal(t, model.SyncFailed, rec.SyncState)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Nil(t, rec.NextAttemptAt)
	assert.True(t, rec.Exhausted(3))
	commits, _, _ := h.server.Calls()
	assert.Equal(t, 3, commits, "no attempts beyond the budget")

	h.server.FailCommits(0)
	rec, err := h.engine.Resend(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, rec.SyncState)
	assert.Zero(t, rec.RetryCount)

	report := h.drain(t)
	assert.Equal(t, 1, report.Synced)
}

func TestResend_RefusesNonFailed(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", false)

	_, err := h.engine.Resend(context.Background(), "k1")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = h.engine.Resend(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrRecordNotFound)
}

func TestDrain_PhotoUploadedAndAttached(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", true)

	report := h.drain(t)
	assert.Equal(t, 1, report.Synced)

	c := h.confirmed(t, "k1")
	assert.Equal(t, testutil.FakeBlobBase+"photo-1", c.PhotoURL)

	_, url, _ := h.server.Committed("k1")
	assert.Equal(t, c.PhotoURL, url)
	blob, ok := h.server.Blob("photo-1")
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg:k1"), blob)

	total, err := h.store.PhotoBytes(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total, "local binary released after upload")
}

func TestDrain_PhotoFailureDoesNotBlockOthers(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", true)
	h.appendRecord(t, "k2", "a2", false)
	h.server.FailUploads(1)

	report := h.drain(t)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Synced)

	k1 := h.get(t, "k1")
	assert.Equal(t, model.SyncFailed, k1.SyncState)
	assert.Equal(t, model.PhotoLocal, k1.Photo.Kind, "photo kept for retry")
	assert.Empty(t, k1.ServerID, "server id is only stored once synced")
	assert.Empty(t, h.confirmed(t, "k1").PhotoURL, "commit acknowledged before the photo")
	h.confirmed(t, "k2")

	h.clock.Advance(time.Minute)
	report = h.drain(t)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 2, h.server.Observations(), "recommit did not duplicate")
	assert.NotEmpty(t, h.confirmed(t, "k1").PhotoURL)
}

func TestDrain_PhotoRejectedIsDropped(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", true)
	h.server.RejectUploads(true)

	report := h.drain(t)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.PhotosDropped)
	assert.Empty(t, h.confirmed(t, "k1").PhotoURL)

	total, err := h.store.PhotoBytes(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDrain_PhotoBudgetExhausted(t *testing.T) {
	h := setupEngine(t, WithRetryPolicy(RetryPolicy{MaxRetries: 2, InitialDelay: time.Second, Multiplier: 2}))
	h.appendRecord(t, "k1", "a1", true)
	h.server.FailUploads(100)

	h.drain(t)
	assert.Equal(t, model.SyncFailed, h.get(t, "k1").SyncState)

	h.clock.Advance(time.Minute)
	report := h.drain(t)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.PhotosDropped)
}

func TestDrain_AttachRetriedWithoutReupload(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", true)
	h.server.FailAttaches(1)

	h.drain(t)
	rec := h.get(t, "k1")
	assert.Equal(t, model.SyncFailed, rec.SyncState)
	assert.Equal(t, model.PhotoRemote, rec.Photo.Kind)

	h.clock.Advance(time.Minute)
	report := h.drain(t)
	assert.Equal(t, 1, report.Synced)

	_, uploads, attaches := h.server.Calls()
	assert.Equal(t, 1, uploads)
	assert.Equal(t, 2, attaches)
}

func TestDrain_Coalesces(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", false)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.server.BeforeCommit(func(model.ObservationRecord) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	done := make(chan Report, 1)
	go func() {
		r, _ := h.engine.Drain(context.Background())
		done <- r
	}()
	<-entered

	assert.True(t, h.engine.IsSyncing())
	report := h.drain(t)
	assert.True(t, report.Coalesced)

	// Appended mid-pass; the running pass picks it up before going idle.
	h.appendRecord(t, "k2", "a2", false)
	close(release)

	first := <-done
	assert.Equal(t, 2, first.Synced)
	assert.False(t, h.engine.IsSyncing())
	assert.Equal(t, 2, h.server.Observations())
}

func TestTriggerSync_DuringDrainFoldsIntoPass(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", false)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.server.BeforeCommit(func(model.ObservationRecord) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	done := make(chan Report, 1)
	go func() {
		r, _ := h.engine.Drain(context.Background())
		done <- r
	}()
	<-entered

	h.engine.TriggerSync()
	assert.Zero(t, len(h.engine.wake), "no second pass is queued while draining")
	close(release)

	report := <-done
	assert.Equal(t, 1, report.Synced)
	assert.Zero(t, len(h.engine.wake), "the running pass already rescanned")
	assert.Equal(t, 1, h.events.count("sync_started"))
}

func TestDrain_RecoversInterruptedRecordsWithoutRun(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	h.appendRecord(t, "k1", "a1", false)
	_, ok, err := h.store.Claim(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok, "simulate a process killed mid-sync")

	// A one-shot sync from a new process only ever calls Drain.
	fresh := New(h.store, h.server, h.photos, h.monitor,
		WithClock(h.clock),
		WithRetryPolicy(h.engine.Policy()),
	)
	t.Cleanup(fresh.Close)

	report, err := fresh.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, "srv-1", h.confirmed(t, "k1").ServerID)

	// Recovery runs once per engine; a record claimed later is left alone.
	h.appendRecord(t, "k2", "a2", false)
	_, ok, err = h.store.Claim(ctx, "k2")
	require.NoError(t, err)
	require.True(t, ok)
	report, err = fresh.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Equal(t, model.SyncSyncing, h.get(t, "k2").SyncState)
}

func TestPendingCountEvents(t *testing.T) {
	h := setupEngine(t)
	h.appendRecord(t, "k1", "a1", false)
	h.appendRecord(t, "k2", "a2", false)

	h.engine.NotifyPending(context.Background())
	h.engine.NotifyPending(context.Background())
	h.drain(t)

	var counts []int
	h.events.mu.Lock()
	for _, ev := range h.events.events {
		if pc, ok := ev.(PendingCountChanged); ok {
			counts = append(counts, pc.Count)
		}
	}
	h.events.mu.Unlock()
	assert.Equal(t, []int{2, 1, 0}, counts)
}

func TestRun_DrainsOnTriggerAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB)
	h := setupEngine(t)

	synced := make(chan string, 4)
	h.engine.Subscribe(func(ev Event) {
		if s, ok := ev.(RecordSynced); ok {
			synced <- s.LocalKey
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	h.appendRecord(t, "k1", "a1", false)
	h.engine.TriggerSync()

	select {
	case key := <-synced:
		assert.Equal(t, "k1", key)
	case <-time.After(5 * time.Second):
		t.Fatal("record was not synced")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop")
	}
}

func TestRun_RecoversInterruptedRecords(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB)
	h := setupEngine(t)

	h.appendRecord(t, "k1", "a1", false)
	_, ok, err := h.store.Claim(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, ok, "simulate a crash mid-sync")

	synced := make(chan struct{}, 1)
	h.engine.Subscribe(func(ev Event) {
		if _, ok := ev.(RecordSynced); ok {
			synced <- struct{}{}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("interrupted record was not recovered")
	}
	cancel()
	<-done
	assert.Equal(t, 1, h.server.Observations())
}

func TestRun_OnlineEdgeTriggersDrain(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB)
	h := setupEngine(t, WithRetryTick(time.Hour))
	h.monitor.Set(false)
	h.appendRecord(t, "k1", "a1", false)

	synced := make(chan struct{}, 1)
	h.engine.Subscribe(func(ev Event) {
		if _, ok := ev.(RecordSynced); ok {
			synced <- struct{}{}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	// Offline: the initial pass does nothing.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.server.Observations())

	h.monitor.Set(true)
	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("online edge did not trigger a drain")
	}
	cancel()
	<-done
}
