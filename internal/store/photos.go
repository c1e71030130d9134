package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// ErrPhotoNotFound is returned when a handle has no stored binary.
var ErrPhotoNotFound = errors.New("photo not found")

// PutPhoto stores a captured photo binary under handle.
func (s *Store) PutPhoto(ctx context.Context, handle string, data []byte) error {
	return s.withTx(ctx, "put photo", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO photos (handle, data, size, created_at)
			VALUES (?, ?, ?, ?)
		`, handle, data, len(data), formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("insert photo: %w", err)
		}
		return nil
	})
}

// Photo returns the binary stored under handle.
func (s *Store) Photo(ctx context.Context, handle string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM photos WHERE handle = ?`, handle).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPhotoNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("read photo: %w", err)
	}
	return data, nil
}

// DeletePhoto drops the binary stored under handle. Missing handles are
// not an error.
func (s *Store) DeletePhoto(ctx context.Context, handle string) error {
	return s.withTx(ctx, "delete photo", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM photos WHERE handle = ?`, handle)
		return err
	})
}

// PhotoBytes returns the total size of stored photo binaries.
func (s *Store) PhotoBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM photos`).Scan(&total); err != nil {
		return 0, fmt.Errorf("photo bytes: %w", err)
	}
	return total.Int64, nil
}

// OrphanPhotos returns handles no outbox record references any more.
// They are left behind only if a process died between an upload rewrite and
// the binary release.
func (s *Store) OrphanPhotos(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handle FROM photos
		WHERE handle NOT IN (
			SELECT photo_handle FROM observations WHERE photo_kind = ?
		)
		ORDER BY handle
	`, string(model.PhotoLocal))
	if err != nil {
		return nil, fmt.Errorf("orphan photos: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("orphan photos: scan: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}
