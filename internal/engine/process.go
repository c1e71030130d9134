package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// syncRecord delivers one record. stop reports a commit-level network
// failure that should end the pass; err is a local storage failure.
//
// Bookkeeping writes use a context detached from ctx: once the server may
// have seen the commit, the local outcome must be recorded even if the pass
// is being cancelled.
func (e *Engine) syncRecord(ctx context.Context, key string, report *Report) (stop bool, err error) {
	rec, ok, err := e.store.Claim(ctx, key)
	if errors.Is(err, model.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	report.Attempted++
	if report.Attempted == 1 {
		e.bus.Publish(SyncStarted{})
	}
	wctx := context.WithoutCancel(ctx)

	serverID, err := e.commit(ctx, rec)
	if err != nil {
		return e.commitFailed(wctx, rec, err, report)
	}
	e.metrics.CommitResult(ResultOK)

	// The server holds the observation from here on, even if the photo
	// still has to be retried.
	if err := e.store.MarkCommitted(wctx, rec.LocalKey, serverID); err != nil {
		return false, fmt.Errorf("record commit %s: %w", rec.LocalKey, err)
	}

	photo, dropped, retryErr, err := e.deliverPhoto(wctx, rec, serverID)
	if err != nil {
		return false, err
	}
	if retryErr != nil {
		return false, e.fail(wctx, rec, fmt.Errorf("photo: %w", retryErr), report)
	}
	return false, e.complete(wctx, rec, serverID, photo, dropped, report)
}

// commit sends rec. Once started, the call is not cancelled by ctx; only
// the commit timeout bounds it.
func (e *Engine) commit(ctx context.Context, rec model.ObservationRecord) (string, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.commitTimeout)
	defer cancel()
	return e.api.Commit(cctx, rec)
}

func (e *Engine) attach(ctx context.Context, serverID, url string) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.commitTimeout)
	defer cancel()
	return e.api.AttachPhoto(cctx, serverID, url)
}

func (e *Engine) commitFailed(ctx context.Context, rec model.ObservationRecord, cause error, report *Report) (bool, error) {
	var conflict *model.ConflictError
	var invalid *model.ValidationError

	switch {
	case errors.As(cause, &conflict):
		e.metrics.CommitResult(ResultConflict)
		state := model.SyncConflicted
		msg := cause.Error()
		if _, err := e.store.Update(ctx, rec.LocalKey, model.Patch{SyncState: &state, LastError: &msg}); err != nil {
			return false, fmt.Errorf("record conflict %s: %w", rec.LocalKey, err)
		}
		report.Conflicted++
		e.logger.Warn("observation conflicts with server record",
			"key", rec.LocalKey,
			"campaign", rec.CampaignID,
			"asset", rec.AssetID,
			"server_id", conflict.ServerID,
		)
		e.bus.Publish(RecordConflicted{LocalKey: rec.LocalKey, Conflict: conflict})
		return false, nil

	case errors.As(cause, &invalid):
		e.metrics.CommitResult(ResultRejected)
		state := model.SyncFailed
		kind := model.FailureValidation
		msg := cause.Error()
		var noTime *time.Time
		if _, err := e.store.Update(ctx, rec.LocalKey, model.Patch{
			SyncState:     &state,
			FailureKind:   &kind,
			LastError:     &msg,
			NextAttemptAt: &noTime,
		}); err != nil {
			return false, fmt.Errorf("record rejection %s: %w", rec.LocalKey, err)
		}
		report.Rejected++
		e.logger.Warn("server rejected observation", "key", rec.LocalKey, "error", cause)
		e.bus.Publish(RecordFailed{
			LocalKey:   rec.LocalKey,
			Kind:       kind,
			RetryCount: rec.RetryCount,
			Err:        msg,
			Terminal:   true,
		})
		return false, nil

	default:
		// Anything unclassified is treated as transient: retrying an
		// idempotent commit is always safe.
		e.metrics.CommitResult(ResultNetwork)
		if err := e.fail(ctx, rec, cause, report); err != nil {
			return false, err
		}
		return true, nil
	}
}

// deliverPhoto uploads and attaches the record's photo. It returns the photo
// to store on the synced record. retryErr is a transient failure with retry
// budget left; err is a local storage failure.
func (e *Engine) deliverPhoto(ctx context.Context, rec model.ObservationRecord, serverID string) (photo model.Photo, dropped bool, retryErr, err error) {
	photo = rec.Photo
	lastAttempt := e.policy.Exhausted(rec.RetryCount + 1)

	if photo.Kind == model.PhotoLocal {
		handle := photo.Handle
		url, uerr := e.photos.Upload(ctx, handle)
		switch {
		case uerr == nil:
			e.metrics.PhotoResult(ResultOK)
			photo = model.RemotePhoto(url)
			// Persist the URL before releasing the binary, so a crash in
			// between costs an orphan sweep and never the photo.
			if _, err := e.store.Update(ctx, rec.LocalKey, model.Patch{Photo: &photo}); err != nil {
				return photo, false, nil, fmt.Errorf("record photo url %s: %w", rec.LocalKey, err)
			}
			e.release(ctx, handle)

		case model.IsRetryable(uerr) && !lastAttempt:
			e.metrics.PhotoResult(ResultNetwork)
			return photo, false, uerr, nil

		default:
			if model.IsRetryable(uerr) {
				e.metrics.PhotoResult(ResultNetwork)
			} else {
				e.metrics.PhotoResult(ResultRejected)
			}
			e.logger.Warn("dropping photo", "key", rec.LocalKey, "handle", handle, "error", uerr)
			e.release(ctx, handle)
			return model.NoPhoto(), true, nil, nil
		}
	}

	if photo.Kind == model.PhotoRemote {
		aerr := e.attach(ctx, serverID, photo.URL)
		switch {
		case aerr == nil:
		case model.IsRetryable(aerr) && !lastAttempt:
			return photo, false, aerr, nil
		default:
			e.logger.Warn("dropping photo attachment", "key", rec.LocalKey, "url", photo.URL, "error", aerr)
			return model.NoPhoto(), true, nil, nil
		}
	}
	return photo, false, nil, nil
}

func (e *Engine) release(ctx context.Context, handle string) {
	if err := e.photos.Release(ctx, handle); err != nil {
		e.logger.Warn("release photo binary", "handle", handle, "error", err)
	}
}

// fail records a transient failure and schedules the next attempt.
func (e *Engine) fail(ctx context.Context, rec model.ObservationRecord, cause error, report *Report) error {
	retries := rec.RetryCount + 1
	terminal := e.policy.Exhausted(retries)

	var next *time.Time
	if !terminal {
		t := e.clock.Now().Add(e.policy.Delay(retries))
		next = &t
	}

	state := model.SyncFailed
	kind := model.FailureNetwork
	msg := cause.Error()
	if _, err := e.store.Update(ctx, rec.LocalKey, model.Patch{
		SyncState:     &state,
		RetryCount:    &retries,
		FailureKind:   &kind,
		LastError:     &msg,
		NextAttemptAt: &next,
	}); err != nil {
		return fmt.Errorf("record failure %s: %w", rec.LocalKey, err)
	}

	report.Failed++
	e.logger.Warn("sync attempt failed",
		"key", rec.LocalKey,
		"retry_count", retries,
		"terminal", terminal,
		"error", cause,
	)
	e.bus.Publish(RecordFailed{
		LocalKey:      rec.LocalKey,
		Kind:          kind,
		RetryCount:    retries,
		Err:           msg,
		NextAttemptAt: next,
		Terminal:      terminal,
	})
	return nil
}

// complete marks rec synced and archives it into the confirmed ledger.
func (e *Engine) complete(ctx context.Context, rec model.ObservationRecord, serverID string, photo model.Photo, dropped bool, report *Report) error {
	state := model.SyncSynced
	none := model.FailureNone
	empty := ""
	var noTime *time.Time
	if _, err := e.store.Complete(ctx, rec.LocalKey, model.Patch{
		SyncState:     &state,
		ServerID:      &serverID,
		Photo:         &photo,
		FailureKind:   &none,
		LastError:     &empty,
		NextAttemptAt: &noTime,
	}); err != nil {
		return fmt.Errorf("complete %s: %w", rec.LocalKey, err)
	}

	report.Synced++
	if dropped {
		report.PhotosDropped++
	}
	e.logger.Info("observation synced",
		"key", rec.LocalKey,
		"server_id", serverID,
		"photo", string(photo.Kind),
	)
	e.bus.Publish(RecordSynced{
		LocalKey:     rec.LocalKey,
		ServerID:     serverID,
		PhotoURL:     photo.URL,
		PhotoDropped: dropped,
	})
	return nil
}
