package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/fieldsync/internal/model"
)

// Append persists a new observation at the tail of the outbox and returns it
// with its Seq assigned.
//
// The record's LocalKey must already be set. It is registered in issued_keys
// in the same transaction, so a key can never be appended twice, even after
// the original record has been removed.
//
// The caller may report the observation as saved only after Append returns nil.
func (s *Store) Append(ctx context.Context, rec model.ObservationRecord) (model.ObservationRecord, error) {
	if rec.LocalKey == "" {
		return rec, fmt.Errorf("append: %w", model.NewValidationError("local_key", "local key must be assigned before append"))
	}
	if rec.SyncState == "" {
		rec.SyncState = model.SyncPending
	}
	if rec.SyncState != model.SyncPending {
		return rec, fmt.Errorf("append: %w: new records start pending, got %s", model.ErrInvalidTransition, rec.SyncState)
	}
	if rec.Photo.Kind == "" {
		rec.Photo.Kind = model.PhotoAbsent
	}
	now := s.now()
	rec.UpdatedAt = now

	err := s.withTx(ctx, "append", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM issued_keys WHERE local_key = ?`, rec.LocalKey).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check issued key: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", model.ErrKeyReused, rec.LocalKey)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issued_keys (local_key, issued_at) VALUES (?, ?)
		`, rec.LocalKey, formatTime(now)); err != nil {
			return fmt.Errorf("issue key: %w", err)
		}

		lat, lng := gpsArgs(rec.GPS)
		result, err := tx.ExecContext(ctx, `
			INSERT INTO observations
			(local_key, campaign_id, asset_id, status,
			 found_location_unit, found_location_room, detail, notes,
			 photo_kind, photo_handle, photo_url, gps_lat, gps_lng,
			 device_id, collected_at, sync_state, retry_count,
			 failure_kind, last_error, next_attempt_at, server_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.LocalKey, string(rec.CampaignID), string(rec.AssetID), string(rec.Status),
			rec.FoundLocationUnit, rec.FoundLocationRoom, rec.Detail, rec.Notes,
			string(rec.Photo.Kind), rec.Photo.Handle, rec.Photo.URL, lat, lng,
			rec.DeviceID, formatTime(rec.CollectedAt), string(rec.SyncState), rec.RetryCount,
			string(rec.FailureKind), rec.LastError, formatTimePtr(rec.NextAttemptAt), rec.ServerID, formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}

		rec.Seq, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// List returns every record in the outbox in append order.
// Returns an empty slice (not nil) when the outbox is empty.
func (s *Store) List(ctx context.Context) ([]model.ObservationRecord, error) {
	return s.queryObservations(ctx, "list", `
		SELECT `+observationColumns+`
		FROM observations
		ORDER BY seq ASC
	`)
}

// ListByState returns records in any of the given states, in append order.
func (s *Store) ListByState(ctx context.Context, states ...model.SyncState) ([]model.ObservationRecord, error) {
	if len(states) == 0 {
		return []model.ObservationRecord{}, nil
	}

	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	return s.queryObservations(ctx, "list by state", `
		SELECT `+observationColumns+`
		FROM observations
		WHERE sync_state IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY seq ASC
	`, args...)
}

func (s *Store) queryObservations(ctx context.Context, op, query string, args ...any) ([]model.ObservationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	records := []model.ObservationRecord{}
	for rows.Next() {
		rec, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return records, nil
}

// Get returns the outbox record for key, or model.ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, key string) (model.ObservationRecord, error) {
	rec, err := getObservation(ctx, s.db, key)
	if err != nil {
		return rec, fmt.Errorf("get: %w", err)
	}
	return rec, nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getObservation(ctx context.Context, q queryRower, key string) (model.ObservationRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations
		WHERE local_key = ?
	`, key)
	rec, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s", model.ErrRecordNotFound, key)
	}
	return rec, err
}

// Update applies patch to the record identified by key and returns the
// result. The read, validation and write happen in one transaction.
func (s *Store) Update(ctx context.Context, key string, patch model.Patch) (model.ObservationRecord, error) {
	var updated model.ObservationRecord

	err := s.withTx(ctx, "update", func(tx *sql.Tx) error {
		current, err := getObservation(ctx, tx, key)
		if err != nil {
			return err
		}
		updated, err = s.applyPatch(ctx, tx, current, patch)
		return err
	})
	if err != nil {
		return updated, err
	}
	return updated, nil
}

// Claim moves a pending record to syncing and returns it. ok is false when
// the record is no longer pending, e.g. another drain claimed it first.
func (s *Store) Claim(ctx context.Context, key string) (rec model.ObservationRecord, ok bool, err error) {
	err = s.withTx(ctx, "claim", func(tx *sql.Tx) error {
		current, err := getObservation(ctx, tx, key)
		if err != nil {
			return err
		}
		if current.SyncState != model.SyncPending {
			rec = current
			return nil
		}
		syncing := model.SyncSyncing
		rec, err = s.applyPatch(ctx, tx, current, model.Patch{SyncState: &syncing})
		ok = err == nil
		return err
	})
	return rec, ok, err
}

func (s *Store) applyPatch(ctx context.Context, tx *sql.Tx, current model.ObservationRecord, patch model.Patch) (model.ObservationRecord, error) {
	updated, err := patch.Apply(current)
	if err != nil {
		return current, err
	}
	updated.UpdatedAt = s.now()

	_, err = tx.ExecContext(ctx, `
		UPDATE observations SET
			sync_state = ?, retry_count = ?, failure_kind = ?, last_error = ?,
			next_attempt_at = ?, server_id = ?,
			photo_kind = ?, photo_handle = ?, photo_url = ?,
			updated_at = ?
		WHERE local_key = ?
	`,
		string(updated.SyncState), updated.RetryCount, string(updated.FailureKind), updated.LastError,
		formatTimePtr(updated.NextAttemptAt), updated.ServerID,
		string(updated.Photo.Kind), updated.Photo.Handle, updated.Photo.URL,
		formatTime(updated.UpdatedAt),
		current.LocalKey,
	)
	if err != nil {
		return current, err
	}
	return updated, nil
}

// Remove takes a synced record out of the outbox and archives it into the
// confirmed ledger. Records in any other state are refused; operator
// discards go through Discard.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.withTx(ctx, "remove", func(tx *sql.Tx) error {
		rec, err := getObservation(ctx, tx, key)
		if err != nil {
			return err
		}
		return s.archive(ctx, tx, rec)
	})
}

// Complete applies patch, which must leave the record synced, and archives
// the result in the same transaction. A crash can therefore never strand a
// synced row in the outbox.
func (s *Store) Complete(ctx context.Context, key string, patch model.Patch) (model.ObservationRecord, error) {
	var updated model.ObservationRecord

	err := s.withTx(ctx, "complete", func(tx *sql.Tx) error {
		current, err := getObservation(ctx, tx, key)
		if err != nil {
			return err
		}
		updated, err = s.applyPatch(ctx, tx, current, patch)
		if err != nil {
			return err
		}
		return s.archive(ctx, tx, updated)
	})
	return updated, err
}

func (s *Store) archive(ctx context.Context, tx *sql.Tx, rec model.ObservationRecord) error {
	if rec.SyncState != model.SyncSynced {
		return fmt.Errorf("%w: only synced records leave the outbox (key=%s state=%s)",
			model.ErrInvalidTransition, rec.LocalKey, rec.SyncState)
	}

	if _, err := insertConfirmed(ctx, tx, model.ConfirmedRecord{
		LocalKey:   rec.LocalKey,
		CampaignID: rec.CampaignID,
		AssetID:    rec.AssetID,
		ServerID:   rec.ServerID,
		PhotoURL:   rec.Photo.URL,
		SyncedAt:   s.now(),
	}); err != nil {
		return err
	}
	// The row may already exist from MarkCommitted, without the photo.
	if _, err := tx.ExecContext(ctx, `
		UPDATE confirmed SET server_id = ?, photo_url = ?
		WHERE local_key = ?
	`, rec.ServerID, rec.Photo.URL, rec.LocalKey); err != nil {
		return fmt.Errorf("update confirmed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE local_key = ?`, rec.LocalKey); err != nil {
		return fmt.Errorf("delete observation: %w", err)
	}
	return nil
}

// MarkCommitted writes the server's acknowledgement of key to the confirmed
// ledger while the record stays in the outbox, typically because its photo
// has not been delivered yet. From then on the guard blocks the pair and
// Discard refuses the record.
func (s *Store) MarkCommitted(ctx context.Context, key, serverID string) error {
	return s.withTx(ctx, "mark committed", func(tx *sql.Tx) error {
		rec, err := getObservation(ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = insertConfirmed(ctx, tx, model.ConfirmedRecord{
			LocalKey:   rec.LocalKey,
			CampaignID: rec.CampaignID,
			AssetID:    rec.AssetID,
			ServerID:   serverID,
			SyncedAt:   s.now(),
		})
		return err
	})
}

func isCommitted(ctx context.Context, q queryRower, key string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM confirmed WHERE local_key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("committed check: %w", err)
	}
	return n > 0, nil
}

// Discard deletes an unsynced record together with its local photo binary.
// It is the operator's explicit "throw this away" path and is never called
// by the sync engine. Records the server already acknowledged are refused.
func (s *Store) Discard(ctx context.Context, key string) (model.ObservationRecord, error) {
	var rec model.ObservationRecord

	err := s.withTx(ctx, "discard", func(tx *sql.Tx) error {
		var err error
		rec, err = getObservation(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec.SyncState == model.SyncSynced || rec.SyncState == model.SyncSyncing {
			return fmt.Errorf("%w: cannot discard %s record %s", model.ErrInvalidTransition, rec.SyncState, key)
		}
		committed, err := isCommitted(ctx, tx, key)
		if err != nil {
			return err
		}
		if committed {
			return fmt.Errorf("%w: record %s is already held by the server", model.ErrInvalidTransition, key)
		}

		if rec.Photo.Kind == model.PhotoLocal {
			if _, err := tx.ExecContext(ctx, `DELETE FROM photos WHERE handle = ?`, rec.Photo.Handle); err != nil {
				return fmt.Errorf("delete photo: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE local_key = ?`, key); err != nil {
			return fmt.Errorf("delete observation: %w", err)
		}
		return nil
	})
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// PendingCount returns the number of records still awaiting delivery
// (pending, syncing or failed).
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM observations
		WHERE sync_state IN (?, ?, ?)
	`, string(model.SyncPending), string(model.SyncSyncing), string(model.SyncFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// StatesFor returns the sync states of every outbox record for the pair.
func (s *Store) StatesFor(ctx context.Context, campaignID model.CampaignID, assetID model.AssetID) ([]model.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_state FROM observations
		WHERE campaign_id = ? AND asset_id = ?
		ORDER BY seq ASC
	`, string(campaignID), string(assetID))
	if err != nil {
		return nil, fmt.Errorf("states for pair: %w", err)
	}
	defer rows.Close()

	var states []model.SyncState
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("states for pair: scan: %w", err)
		}
		states = append(states, model.SyncState(st))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("states for pair: iterate: %w", err)
	}
	return states, nil
}

// ResetInFlight returns records left in syncing by a crash to failed so the
// retry path picks them up. The commit may or may not have reached the
// server; the idempotency key makes the resubmission safe.
func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	var n int64
	err := s.withTx(ctx, "reset in-flight", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE observations
			SET sync_state = ?, failure_kind = ?, last_error = ?, updated_at = ?
			WHERE sync_state = ?
		`, string(model.SyncFailed), string(model.FailureNetwork), "interrupted before completion",
			formatTime(s.now()), string(model.SyncSyncing))
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	return int(n), err
}
