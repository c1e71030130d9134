package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Defaults for the run loop.
const (
	DefaultCommitTimeout = 30 * time.Second
	DefaultRetryTick     = 10 * time.Second
)

// CommitAPI is the central authority's observation endpoint.
// remote.Client implements it over HTTP.
type CommitAPI interface {
	// Commit is an idempotent upsert keyed by rec.LocalKey.
	Commit(ctx context.Context, rec model.ObservationRecord) (serverID string, err error)
	// AttachPhoto links an uploaded photo to a committed observation.
	AttachPhoto(ctx context.Context, serverID, url string) error
}

// Photos uploads and releases local photo binaries.
// photo.Pipeline implements it.
type Photos interface {
	Upload(ctx context.Context, handle string) (url string, err error)
	Release(ctx context.Context, handle string) error
}

// Connectivity reports reachability and its transitions.
// connectivity.Monitor implements it.
type Connectivity interface {
	IsOnline() bool
	OnChange(fn func(online bool)) (unsubscribe func())
}

// Report summarises one drain pass.
type Report struct {
	Coalesced     bool          `json:"coalesced,omitempty"`
	Offline       bool          `json:"offline,omitempty"`
	Requeued      int           `json:"requeued"`
	Attempted     int           `json:"attempted"`
	Synced        int           `json:"synced"`
	Failed        int           `json:"failed"`
	Rejected      int           `json:"rejected"`
	Conflicted    int           `json:"conflicted"`
	PhotosDropped int           `json:"photos_dropped"`
	Duration      time.Duration `json:"duration"`
}

// Engine is the sync engine.
//
// Thread-safety model:
//   - TriggerSync(), IsSyncing(), Subscribe(): safe from any goroutine
//   - Drain(): safe from any goroutine; concurrent calls coalesce
//   - Run(): must be called from exactly one goroutine
type Engine struct {
	store  *store.Store
	api    CommitAPI
	photos Photos
	conn   Connectivity

	policy        RetryPolicy
	clock         Clock
	bus           *Bus
	metrics       Metrics
	logger        *slog.Logger
	commitTimeout time.Duration
	retryTick     time.Duration

	draining    atomic.Bool
	rescan      atomic.Bool
	onlineEdge  atomic.Bool
	recovered   atomic.Bool
	lastPending atomic.Int64
	wake        chan struct{} // buffered, size 1
	unsubscribe func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock sets the clock used for retry scheduling.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithBus publishes events on b instead of a private bus.
func WithBus(b *Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithMetrics reports drain telemetry to m.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCommitTimeout bounds each commit and attach call.
func WithCommitTimeout(d time.Duration) Option {
	return func(e *Engine) { e.commitTimeout = d }
}

// WithRetryTick sets how often Run looks for records whose backoff expired.
func WithRetryTick(d time.Duration) Option {
	return func(e *Engine) { e.retryTick = d }
}

// New creates an engine and subscribes it to conn. Call Close to
// unsubscribe.
func New(st *store.Store, api CommitAPI, photos Photos, conn Connectivity, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		api:           api,
		photos:        photos,
		conn:          conn,
		policy:        DefaultRetryPolicy(),
		clock:         SystemClock{},
		metrics:       nopMetrics{},
		logger:        slog.Default(),
		commitTimeout: DefaultCommitTimeout,
		retryTick:     DefaultRetryTick,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = NewBus()
	}
	e.lastPending.Store(-1)
	e.unsubscribe = conn.OnChange(e.onConnectivity)
	return e
}

// Close detaches the engine from the connectivity monitor.
func (e *Engine) Close() {
	e.unsubscribe()
}

// Policy returns the retry policy in effect.
func (e *Engine) Policy() RetryPolicy {
	return e.policy
}

// Subscribe registers fn for engine events.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	return e.bus.Subscribe(fn)
}

// IsSyncing reports whether a drain pass is in flight.
func (e *Engine) IsSyncing() bool {
	return e.draining.Load()
}

// TriggerSync asks the Run loop for a drain pass. It never blocks. While a
// pass is in flight the request is folded into it.
func (e *Engine) TriggerSync() {
	if e.draining.Load() {
		e.rescan.Store(true)
		// Drain clears draining before it reads rescan. If that already
		// happened the flag may have been missed, so wake the loop instead.
		if e.draining.Load() {
			return
		}
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) onConnectivity(online bool) {
	e.bus.Publish(ConnectivityChanged{Online: online})
	if online {
		e.onlineEdge.Store(true)
		e.TriggerSync()
	}
}

// Run services triggers, online edges and the retry tick until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting", "retry_tick", e.retryTick)

	ticker := time.NewTicker(e.retryTick)
	defer ticker.Stop()

	e.NotifyPending(ctx)
	e.TriggerSync()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping: context cancelled")
			return ctx.Err()

		case <-e.wake:
			if _, err := e.Drain(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("drain failed", "error", err)
			}

		case <-ticker.C:
			if e.conn.IsOnline() && e.hasWork(ctx) {
				e.TriggerSync()
			}
		}
	}
}

// Drain runs one pass over the outbox. If a pass is already in flight it
// returns a coalesced report immediately and the running pass rescans
// before finishing. The first pass of an engine also returns records left
// syncing by a previous process to the retry path.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	if !e.draining.CompareAndSwap(false, true) {
		e.TriggerSync()
		return Report{Coalesced: true}, nil
	}

	start := time.Now()
	report, err := e.drain(ctx)
	report.Duration = time.Since(start)
	e.draining.Store(false)

	if report.Attempted > 0 {
		e.metrics.DrainDuration(report.Duration)
		e.bus.Publish(SyncFinished{Report: report})
		e.logger.Info("sync finished",
			"attempted", report.Attempted,
			"synced", report.Synced,
			"failed", report.Failed,
			"rejected", report.Rejected,
			"conflicted", report.Conflicted,
			"duration", report.Duration,
		)
	}

	// A trigger that raced with the final scan gets its own pass.
	if e.rescan.Swap(false) {
		e.TriggerSync()
	}
	return report, err
}

func (e *Engine) drain(ctx context.Context) (Report, error) {
	var report Report
	if err := e.recoverInFlight(ctx); err != nil {
		return report, err
	}
	if !e.conn.IsOnline() {
		report.Offline = true
		return report, nil
	}

	requeued, err := e.requeue(ctx, e.onlineEdge.Swap(false))
	report.Requeued = requeued
	if err != nil {
		return report, err
	}

	for {
		e.rescan.Store(false)
		pending, err := e.store.ListByState(ctx, model.SyncPending)
		if err != nil {
			return report, fmt.Errorf("drain: %w", err)
		}
		if len(pending) == 0 {
			return report, nil
		}

		for _, rec := range pending {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !e.conn.IsOnline() {
				report.Offline = true
				return report, nil
			}

			stop, err := e.syncRecord(ctx, rec.LocalKey, &report)
			e.NotifyPending(context.WithoutCancel(ctx))
			if err != nil {
				return report, err
			}
			if stop {
				return report, nil
			}
		}
	}
}

// recoverInFlight returns records a previous process left syncing to the
// retry path. It runs once per engine, inside the first pass, so it never
// races with a claim made by this engine.
func (e *Engine) recoverInFlight(ctx context.Context) error {
	if e.recovered.Load() {
		return nil
	}
	n, err := e.store.ResetInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight records: %w", err)
	}
	e.recovered.Store(true)
	if n > 0 {
		e.logger.Warn("recovered records interrupted mid-sync", "count", n)
	}
	return nil
}

// requeue returns retryable failed records to pending. Without force only
// records whose backoff has expired qualify.
func (e *Engine) requeue(ctx context.Context, force bool) (int, error) {
	failed, err := e.store.ListByState(ctx, model.SyncFailed)
	if err != nil {
		return 0, fmt.Errorf("requeue: %w", err)
	}

	now := e.clock.Now()
	pending := model.SyncPending
	var noTime *time.Time
	n := 0
	for _, rec := range failed {
		if !e.retryable(rec) {
			continue
		}
		if !force && rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
			continue
		}
		if _, err := e.store.Update(ctx, rec.LocalKey, model.Patch{
			SyncState:     &pending,
			NextAttemptAt: &noTime,
		}); err != nil {
			return n, fmt.Errorf("requeue %s: %w", rec.LocalKey, err)
		}
		n++
	}
	if n > 0 {
		e.logger.Info("requeued failed records", "count", n, "online_edge", force)
	}
	return n, nil
}

func (e *Engine) retryable(rec model.ObservationRecord) bool {
	return rec.FailureKind == model.FailureNetwork && !e.policy.Exhausted(rec.RetryCount)
}

// hasWork reports whether a pass would find anything to do now.
func (e *Engine) hasWork(ctx context.Context) bool {
	recs, err := e.store.ListByState(ctx, model.SyncPending, model.SyncFailed)
	if err != nil {
		e.logger.Warn("retry tick: list outbox", "error", err)
		return false
	}
	now := e.clock.Now()
	for _, rec := range recs {
		if rec.SyncState == model.SyncPending {
			return true
		}
		if e.retryable(rec) && (rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(now)) {
			return true
		}
	}
	return false
}

// NotifyPending publishes PendingCountChanged if the count moved since the
// last notification.
func (e *Engine) NotifyPending(ctx context.Context) {
	n, err := e.store.PendingCount(ctx)
	if err != nil {
		e.logger.Warn("pending count", "error", err)
		return
	}
	e.metrics.Pending(n)
	if e.lastPending.Swap(int64(n)) != int64(n) {
		e.bus.Publish(PendingCountChanged{Count: n})
	}
}

// Resend returns a failed record to pending with a fresh retry budget and
// triggers a pass. Conflicted records cannot be resent.
func (e *Engine) Resend(ctx context.Context, key string) (model.ObservationRecord, error) {
	rec, err := e.store.Get(ctx, key)
	if err != nil {
		return rec, err
	}
	if rec.SyncState != model.SyncFailed {
		return rec, fmt.Errorf("resend: %w: record %s is %s", model.ErrInvalidTransition, key, rec.SyncState)
	}

	pending := model.SyncPending
	zero := 0
	none := model.FailureNone
	empty := ""
	var noTime *time.Time
	rec, err = e.store.Update(ctx, key, model.Patch{
		SyncState:     &pending,
		RetryCount:    &zero,
		FailureKind:   &none,
		LastError:     &empty,
		NextAttemptAt: &noTime,
	})
	if err != nil {
		return rec, fmt.Errorf("resend: %w", err)
	}

	e.logger.Info("record resent", "key", key)
	e.NotifyPending(ctx)
	e.TriggerSync()
	return rec, nil
}
