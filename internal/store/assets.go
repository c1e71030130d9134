package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// AssetRow is a registry entry plus the normalised lookup keys computed by
// the asset index.
type AssetRow struct {
	Asset        model.Asset
	PatrimonyKey string
	QRKey        string
}

// UpsertAssets replaces registry rows by id. Returns the number of rows written.
func (s *Store) UpsertAssets(ctx context.Context, rows []AssetRow) (int, error) {
	err := s.withTx(ctx, "upsert assets", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO assets
			(id, patrimony_number, qr_code, patrimony_key, qr_key, description, location_unit, location_room)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				patrimony_number = excluded.patrimony_number,
				qr_code          = excluded.qr_code,
				patrimony_key    = excluded.patrimony_key,
				qr_key           = excluded.qr_key,
				description      = excluded.description,
				location_unit    = excluded.location_unit,
				location_room    = excluded.location_room
		`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			a := r.Asset
			if _, err := stmt.ExecContext(ctx,
				string(a.ID), a.PatrimonyNumber, a.QRCode, r.PatrimonyKey, r.QRKey,
				a.Description, a.LocationUnit, a.LocationRoom,
			); err != nil {
				return fmt.Errorf("upsert %s: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// FindAsset returns the asset whose patrimony key or QR key equals key.
// Patrimony matches win over QR matches. Returns model.ErrNotFound when
// nothing matches.
func (s *Store) FindAsset(ctx context.Context, key string) (model.Asset, error) {
	var (
		a  model.Asset
		id string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, patrimony_number, qr_code, description, location_unit, location_room
		FROM assets
		WHERE patrimony_key = ? OR (qr_key != '' AND qr_key = ?)
		ORDER BY CASE WHEN patrimony_key = ? THEN 0 ELSE 1 END, id COLLATE BINARY ASC
		LIMIT 1
	`, key, key, key).Scan(&id, &a.PatrimonyNumber, &a.QRCode, &a.Description, &a.LocationUnit, &a.LocationRoom)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("%w: %q", model.ErrNotFound, key)
	}
	if err != nil {
		return a, fmt.Errorf("find asset: %w", err)
	}
	a.ID = model.AssetID(id)
	return a, nil
}

// CountAssets returns the number of registry rows cached locally.
func (s *Store) CountAssets(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count assets: %w", err)
	}
	return n, nil
}
