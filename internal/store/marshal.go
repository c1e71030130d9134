package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// Timestamps are stored as RFC 3339 text in UTC with nanoseconds so they
// round-trip exactly and sort lexically.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// observationColumns lists columns in the order scanObservation expects.
const observationColumns = `
	seq, local_key, campaign_id, asset_id, status,
	found_location_unit, found_location_room, detail, notes,
	photo_kind, photo_handle, photo_url, gps_lat, gps_lng,
	device_id, collected_at, sync_state, retry_count,
	failure_kind, last_error, next_attempt_at, server_id, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanObservation reads one observations row.
func scanObservation(row rowScanner) (model.ObservationRecord, error) {
	var (
		rec         model.ObservationRecord
		campaignID  string
		assetID     string
		status      string
		photoKind   string
		lat, lng    sql.NullFloat64
		collectedAt string
		syncState   string
		failureKind string
		nextAttempt sql.NullString
		updatedAt   string
	)

	err := row.Scan(
		&rec.Seq, &rec.LocalKey, &campaignID, &assetID, &status,
		&rec.FoundLocationUnit, &rec.FoundLocationRoom, &rec.Detail, &rec.Notes,
		&photoKind, &rec.Photo.Handle, &rec.Photo.URL, &lat, &lng,
		&rec.DeviceID, &collectedAt, &syncState, &rec.RetryCount,
		&failureKind, &rec.LastError, &nextAttempt, &rec.ServerID, &updatedAt,
	)
	if err != nil {
		return rec, err
	}

	rec.CampaignID = model.CampaignID(campaignID)
	rec.AssetID = model.AssetID(assetID)
	rec.Status = model.Status(status)
	rec.Photo.Kind = model.PhotoKind(photoKind)
	rec.SyncState = model.SyncState(syncState)
	rec.FailureKind = model.FailureKind(failureKind)

	if lat.Valid && lng.Valid {
		rec.GPS = &model.Coords{Lat: lat.Float64, Lng: lng.Float64}
	}

	if rec.CollectedAt, err = parseTime(collectedAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, err
	}
	if nextAttempt.Valid {
		t, err := parseTime(nextAttempt.String)
		if err != nil {
			return rec, err
		}
		rec.NextAttemptAt = &t
	}

	return rec, nil
}

// gpsArgs returns nullable lat/lng query arguments.
func gpsArgs(c *model.Coords) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lng, Valid: true}
}
