package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertConfirmed writes a ledger row and reports whether it was new.
// Uses ON CONFLICT DO NOTHING so archiving the same key twice, or importing
// a server row we already archived, is a no-op.
func insertConfirmed(ctx context.Context, db execer, rec model.ConfirmedRecord) (bool, error) {
	result, err := db.ExecContext(ctx, `
		INSERT INTO confirmed
		(local_key, campaign_id, asset_id, server_id, photo_url, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		rec.LocalKey,
		string(rec.CampaignID),
		string(rec.AssetID),
		rec.ServerID,
		rec.PhotoURL,
		formatTime(rec.SyncedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert confirmed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert confirmed: rows affected: %w", err)
	}
	return n > 0, nil
}

// ImportConfirmed merges server-confirmed observations into the ledger.
// Returns how many rows were new.
func (s *Store) ImportConfirmed(ctx context.Context, records []model.ConfirmedRecord) (int, error) {
	var inserted int
	err := s.withTx(ctx, "import confirmed", func(tx *sql.Tx) error {
		for _, rec := range records {
			isNew, err := insertConfirmed(ctx, tx, rec)
			if err != nil {
				return err
			}
			if isNew {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// HasConfirmed reports whether the ledger holds a confirmed observation for
// the pair.
func (s *Store) HasConfirmed(ctx context.Context, campaignID model.CampaignID, assetID model.AssetID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM confirmed
		WHERE campaign_id = ? AND asset_id = ?
	`, string(campaignID), string(assetID)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has confirmed: %w", err)
	}
	return count > 0, nil
}

// GetConfirmed returns the ledger row for key, or model.ErrRecordNotFound.
func (s *Store) GetConfirmed(ctx context.Context, key string) (model.ConfirmedRecord, error) {
	var (
		rec        model.ConfirmedRecord
		campaignID string
		assetID    string
		syncedAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT local_key, campaign_id, asset_id, server_id, photo_url, synced_at
		FROM confirmed WHERE local_key = ?
	`, key).Scan(&rec.LocalKey, &campaignID, &assetID, &rec.ServerID, &rec.PhotoURL, &syncedAt)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("get confirmed: %w: %s", model.ErrRecordNotFound, key)
	}
	if err != nil {
		return rec, fmt.Errorf("get confirmed: %w", err)
	}

	rec.CampaignID = model.CampaignID(campaignID)
	rec.AssetID = model.AssetID(assetID)
	if rec.SyncedAt, err = parseTime(syncedAt); err != nil {
		return rec, fmt.Errorf("get confirmed: %w", err)
	}
	return rec, nil
}

// ListConfirmed returns the ledger rows for a campaign ordered by sync time.
func (s *Store) ListConfirmed(ctx context.Context, campaignID model.CampaignID) ([]model.ConfirmedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_key, campaign_id, asset_id, server_id, photo_url, synced_at
		FROM confirmed
		WHERE campaign_id = ?
		ORDER BY synced_at ASC, local_key COLLATE BINARY ASC
	`, string(campaignID))
	if err != nil {
		return nil, fmt.Errorf("list confirmed: %w", err)
	}
	defer rows.Close()

	records := []model.ConfirmedRecord{}
	for rows.Next() {
		var (
			rec      model.ConfirmedRecord
			cid, aid string
			syncedAt string
		)
		if err := rows.Scan(&rec.LocalKey, &cid, &aid, &rec.ServerID, &rec.PhotoURL, &syncedAt); err != nil {
			return nil, fmt.Errorf("list confirmed: scan: %w", err)
		}
		rec.CampaignID = model.CampaignID(cid)
		rec.AssetID = model.AssetID(aid)
		if rec.SyncedAt, err = parseTime(syncedAt); err != nil {
			return nil, fmt.Errorf("list confirmed: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list confirmed: iterate: %w", err)
	}
	return records, nil
}
