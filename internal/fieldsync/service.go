// Package fieldsync is the surface the UI layer talks to.
//
// A Service owns no goroutines. Saving is synchronous up to the durable
// outbox write; delivery happens in the sync engine's Run loop, and its
// progress is observed through Subscribe.
package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/assets"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/guard"
	"github.com/roach88/fieldsync/internal/locate"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/photo"
	"github.com/roach88/fieldsync/internal/store"
)

// ErrNoRemote is returned by refresh operations on a device configured
// without a server.
var ErrNoRemote = errors.New("no remote configured")

// Remote is the read side of the central authority.
// remote.Client implements it.
type Remote interface {
	ListConfirmed(ctx context.Context, campaignID model.CampaignID) ([]model.ConfirmedRecord, error)
	FetchAssets(ctx context.Context) ([]model.Asset, error)
}

// SaveResult is the outcome of a save that passed validation and lookup.
type SaveResult struct {
	Decision guard.Decision
	Asset    model.Asset
	// Record is the queued record. Zero when Decision is AlreadyCollected.
	Record model.ObservationRecord
}

// Service wires the lookup index, guard, photo pipeline, outbox and sync
// engine behind the operations the UI needs.
//
// Thread-safety: all methods are safe for concurrent use. Saves are
// serialized between the guard check and the outbox write.
type Service struct {
	store     *store.Store
	index     *assets.Index
	guard     *guard.Guard
	photos    *photo.Pipeline
	engine    *engine.Engine
	conn      engine.Connectivity
	validator *model.Validator

	remote        Remote
	locator       locate.Locator
	locateTimeout time.Duration
	keys          model.KeyGenerator
	clock         engine.Clock
	deviceID      string
	logger        *slog.Logger

	saveMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithRemote enables RefreshConfirmed and RefreshAssets.
func WithRemote(r Remote) Option {
	return func(s *Service) { s.remote = r }
}

// WithLocator enables GPS enrichment.
func WithLocator(loc locate.Locator, timeout time.Duration) Option {
	return func(s *Service) {
		s.locator = loc
		s.locateTimeout = timeout
	}
}

// WithKeyGenerator sets the local key source. Defaults to UUIDv7.
func WithKeyGenerator(g model.KeyGenerator) Option {
	return func(s *Service) { s.keys = g }
}

// WithClock sets the clock stamped into CollectedAt.
func WithClock(c engine.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithDeviceID tags every record with the collecting device.
func WithDeviceID(id string) Option {
	return func(s *Service) { s.deviceID = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a service. The index and pipeline must share st with eng.
func New(st *store.Store, index *assets.Index, photos *photo.Pipeline, eng *engine.Engine, conn engine.Connectivity, opts ...Option) (*Service, error) {
	validator, err := model.NewValidator()
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:         st,
		index:         index,
		guard:         guard.New(st),
		photos:        photos,
		engine:        eng,
		conn:          conn,
		validator:     validator,
		locateTimeout: locate.DefaultTimeout,
		keys:          model.UUIDv7Generator{},
		clock:         engine.SystemClock{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Save validates in, resolves the scanned code, checks the guard and
// appends the observation to the outbox. When it returns Allowed the record
// is durable.
//
// Returned errors match model.ErrValidation, model.ErrNotFound or
// model.ErrStorageExhausted. AlreadyCollected is a decision, not an error.
func (s *Service) Save(ctx context.Context, in model.ObservationInput) (SaveResult, error) {
	if err := s.validator.Validate(in); err != nil {
		return SaveResult{}, err
	}
	status, err := model.ParseStatus(in.Status)
	if err != nil {
		return SaveResult{}, err
	}
	if len(in.Photo) > photo.MaxBytes {
		return SaveResult{}, model.NewValidationError("photo", fmt.Sprintf("photo exceeds %d bytes", photo.MaxBytes))
	}

	asset, err := s.index.Resolve(ctx, in.AssetCode)
	if err != nil {
		return SaveResult{}, err
	}
	result := SaveResult{Asset: asset}

	// Reject early so a duplicate scan does not wait on the GPS.
	decision, err := s.guard.CanCollect(ctx, in.CampaignID, asset.ID)
	if err != nil {
		return result, err
	}
	if decision == guard.AlreadyCollected {
		return s.alreadyCollected(result, in.CampaignID), nil
	}

	gps := locate.BestEffort(ctx, s.locator, s.locateTimeout, s.logger)

	rec, decision, err := s.appendGuarded(ctx, in, asset, status, gps)
	if err != nil {
		return result, err
	}
	if decision == guard.AlreadyCollected {
		return s.alreadyCollected(result, in.CampaignID), nil
	}
	result.Decision = guard.Allowed
	result.Record = rec

	s.logger.Info("observation saved",
		"key", rec.LocalKey,
		"campaign", rec.CampaignID,
		"asset", rec.AssetID,
		"photo", string(rec.Photo.Kind),
		"gps", rec.GPS != nil,
	)
	s.engine.NotifyPending(ctx)
	if s.conn.IsOnline() {
		s.engine.TriggerSync()
	}
	return result, nil
}

// appendGuarded re-checks the guard and appends under the save mutex, so
// two rapid saves for one pair cannot both pass.
func (s *Service) appendGuarded(ctx context.Context, in model.ObservationInput, asset model.Asset, status model.Status, gps *model.Coords) (model.ObservationRecord, guard.Decision, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	decision, err := s.guard.CanCollect(ctx, in.CampaignID, asset.ID)
	if err != nil || decision == guard.AlreadyCollected {
		return model.ObservationRecord{}, decision, err
	}

	ph := model.NoPhoto()
	if len(in.Photo) > 0 {
		handle, err := s.photos.CaptureBytes(ctx, in.Photo)
		if err != nil {
			return model.ObservationRecord{}, decision, err
		}
		ph = model.LocalPhoto(handle)
	}

	rec, err := s.store.Append(ctx, model.ObservationRecord{
		LocalKey:          s.keys.Generate(),
		CampaignID:        in.CampaignID,
		AssetID:           asset.ID,
		Status:            status,
		FoundLocationUnit: in.FoundLocationUnit,
		FoundLocationRoom: in.FoundLocationRoom,
		Detail:            in.Detail,
		Notes:             in.Notes,
		Photo:             ph,
		GPS:               gps,
		DeviceID:          s.deviceID,
		CollectedAt:       s.clock.Now().UTC(),
		SyncState:         model.SyncPending,
	})
	if err != nil {
		if ph.Kind == model.PhotoLocal {
			if rerr := s.photos.Release(context.WithoutCancel(ctx), ph.Handle); rerr != nil {
				s.logger.Warn("release photo after failed save", "handle", ph.Handle, "error", rerr)
			}
		}
		return rec, decision, fmt.Errorf("save observation: %w", err)
	}
	return rec, decision, nil
}

func (s *Service) alreadyCollected(result SaveResult, campaignID model.CampaignID) SaveResult {
	result.Decision = guard.AlreadyCollected
	s.logger.Info("asset already collected", "campaign", campaignID, "asset", result.Asset.ID)
	return result
}

// Lookup resolves a scanned code without saving anything.
func (s *Service) Lookup(ctx context.Context, code string) (model.Asset, error) {
	return s.index.Resolve(ctx, code)
}

// PendingCount returns the number of records not yet synced.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.store.PendingCount(ctx)
}

// IsOnline reports current connectivity.
func (s *Service) IsOnline() bool {
	return s.conn.IsOnline()
}

// TriggerSync requests a drain pass. It never blocks.
func (s *Service) TriggerSync() {
	s.engine.TriggerSync()
}

// IsSyncing reports whether a drain pass is running.
func (s *Service) IsSyncing() bool {
	return s.engine.IsSyncing()
}

// Subscribe registers fn for engine events.
func (s *Service) Subscribe(fn func(engine.Event)) (unsubscribe func()) {
	return s.engine.Subscribe(fn)
}

// Records returns every record still in the outbox, oldest first.
func (s *Service) Records(ctx context.Context) ([]model.ObservationRecord, error) {
	return s.store.List(ctx)
}

// Confirmed returns the ledger of server-confirmed observations.
func (s *Service) Confirmed(ctx context.Context, campaignID model.CampaignID) ([]model.ConfirmedRecord, error) {
	return s.store.ListConfirmed(ctx, campaignID)
}

// Conflicts returns records the server refused because another device
// owns the pair. They wait for manual reconciliation.
func (s *Service) Conflicts(ctx context.Context) ([]model.ObservationRecord, error) {
	return s.store.ListByState(ctx, model.SyncConflicted)
}

// Failed returns records that will not be retried automatically: rejected
// by the server or out of retries.
func (s *Service) Failed(ctx context.Context) ([]model.ObservationRecord, error) {
	recs, err := s.store.ListByState(ctx, model.SyncFailed)
	if err != nil {
		return nil, err
	}
	maxRetries := s.engine.Policy().MaxRetries
	out := make([]model.ObservationRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.Exhausted(maxRetries) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Resend puts a failed record back in the queue with a fresh retry budget.
func (s *Service) Resend(ctx context.Context, key string) (model.ObservationRecord, error) {
	return s.engine.Resend(ctx, key)
}

// Discard deletes an unsynced record and its local photo. confirmed must be
// true: discarding is never implied.
func (s *Service) Discard(ctx context.Context, key string, confirmed bool) (model.ObservationRecord, error) {
	if !confirmed {
		return model.ObservationRecord{}, model.NewValidationError("confirm", "discard requires explicit confirmation")
	}
	rec, err := s.store.Discard(ctx, key)
	if err != nil {
		return rec, err
	}
	s.logger.Warn("observation discarded by operator",
		"key", key,
		"campaign", rec.CampaignID,
		"asset", rec.AssetID,
		"state", string(rec.SyncState),
	)
	s.engine.NotifyPending(ctx)
	return rec, nil
}

// RefreshConfirmed pulls the server's confirmed observations for a
// campaign into the local ledger so the guard sees other devices' work.
func (s *Service) RefreshConfirmed(ctx context.Context, campaignID model.CampaignID) (int, error) {
	if s.remote == nil {
		return 0, fmt.Errorf("refresh confirmed: %w", ErrNoRemote)
	}
	items, err := s.remote.ListConfirmed(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("refresh confirmed: %w", err)
	}
	n, err := s.store.ImportConfirmed(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("refresh confirmed: %w", err)
	}
	s.logger.Info("confirmed ledger refreshed", "campaign", campaignID, "received", len(items), "new", n)
	return n, nil
}

// RefreshAssets pulls the registry from the server into the lookup index.
func (s *Service) RefreshAssets(ctx context.Context) (int, error) {
	if s.remote == nil {
		return 0, fmt.Errorf("refresh assets: %w", ErrNoRemote)
	}
	items, err := s.remote.FetchAssets(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh assets: %w", err)
	}
	return s.index.Import(ctx, items)
}

// ImportAssets loads registry rows, e.g. from a file export.
func (s *Service) ImportAssets(ctx context.Context, items []model.Asset) (int, error) {
	return s.index.Import(ctx, items)
}

// SweepPhotos releases photo binaries no record references.
func (s *Service) SweepPhotos(ctx context.Context) (int, error) {
	return s.photos.Sweep(ctx)
}
