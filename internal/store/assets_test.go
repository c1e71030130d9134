package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
)

func TestFindAsset(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	n, err := s.UpsertAssets(ctx, []AssetRow{
		{Asset: model.Asset{ID: "as-1", PatrimonyNumber: "A-123", QRCode: "QR-9"}, PatrimonyKey: "a-123", QRKey: "qr-9"},
		{Asset: model.Asset{ID: "as-2", PatrimonyNumber: "B-77"}, PatrimonyKey: "b-77"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, err := s.FindAsset(ctx, "a-123")
	require.NoError(t, err)
	assert.Equal(t, model.AssetID("as-1"), a.ID)

	a, err = s.FindAsset(ctx, "qr-9")
	require.NoError(t, err)
	assert.Equal(t, model.AssetID("as-1"), a.ID)

	_, err = s.FindAsset(ctx, "")
	assert.ErrorIs(t, err, model.ErrNotFound, "empty QR keys never match")

	_, err = s.FindAsset(ctx, "zz-0")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpsertAssets_Replaces(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertAssets(ctx, []AssetRow{
		{Asset: model.Asset{ID: "as-1", PatrimonyNumber: "A-1", Description: "chair"}, PatrimonyKey: "a-1"},
	})
	require.NoError(t, err)
	_, err = s.UpsertAssets(ctx, []AssetRow{
		{Asset: model.Asset{ID: "as-1", PatrimonyNumber: "A-1", Description: "desk"}, PatrimonyKey: "a-1"},
	})
	require.NoError(t, err)

	count, err := s.CountAssets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	a, err := s.FindAsset(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "desk", a.Description)
}

func TestPhotos(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutPhoto(ctx, "h1", []byte("abc")))
	require.NoError(t, s.PutPhoto(ctx, "h2", []byte("defg")))

	data, err := s.Photo(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	total, err := s.PhotoBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)

	rec := createTestRecord("k1", "c1", "a1")
	rec.Photo = model.LocalPhoto("h1")
	_, err = s.Append(ctx, rec)
	require.NoError(t, err)

	orphans, err := s.OrphanPhotos(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, orphans)

	require.NoError(t, s.DeletePhoto(ctx, "h2"))
	require.NoError(t, s.DeletePhoto(ctx, "h2"), "deleting twice is fine")
	_, err = s.Photo(ctx, "h2")
	assert.ErrorIs(t, err, ErrPhotoNotFound)
}
