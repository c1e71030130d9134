package assets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

func setupIndex(t *testing.T) (*Index, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewIndex(st, nil), st
}

func TestKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"A-123", "a-123"},
		{"  a-123 ", "a-123"},
		{"PATRIMÔNIO-7", "patrimônio-7"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Key(tt.in), "Key(%q)", tt.in)
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	ix, _ := setupIndex(t)
	ctx := context.Background()

	_, err := ix.Import(ctx, []model.Asset{
		{ID: "as-1", PatrimonyNumber: "A-123", QRCode: "https://reg.example/q/XYZ"},
	})
	require.NoError(t, err)

	for _, code := range []string{"A-123", "a-123", " A-123", "https://reg.example/q/xyz"} {
		a, err := ix.Resolve(ctx, code)
		require.NoError(t, err, code)
		assert.Equal(t, model.AssetID("as-1"), a.ID, code)
	}
}

func TestResolve_NotFoundIsNotAFault(t *testing.T) {
	ix, _ := setupIndex(t)

	_, err := ix.Resolve(context.Background(), "FOREIGN-LABEL")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolve_EmptyCode(t *testing.T) {
	ix, _ := setupIndex(t)
	_, err := ix.Resolve(context.Background(), "   ")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestResolve_NotFoundThenImported(t *testing.T) {
	ix, _ := setupIndex(t)
	ctx := context.Background()

	_, err := ix.Resolve(ctx, "B-9")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = ix.Import(ctx, []model.Asset{{ID: "as-9", PatrimonyNumber: "B-9"}})
	require.NoError(t, err)

	a, err := ix.Resolve(ctx, "b-9")
	require.NoError(t, err)
	assert.Equal(t, model.AssetID("as-9"), a.ID)
}

func TestImport_FlushesCache(t *testing.T) {
	ix, _ := setupIndex(t)
	ctx := context.Background()

	_, err := ix.Import(ctx, []model.Asset{{ID: "as-1", PatrimonyNumber: "A-1", Description: "chair"}})
	require.NoError(t, err)
	a, err := ix.Resolve(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, "chair", a.Description)

	_, err = ix.Import(ctx, []model.Asset{{ID: "as-1", PatrimonyNumber: "A-1", Description: "desk"}})
	require.NoError(t, err)
	a, err = ix.Resolve(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, "desk", a.Description)
}

func TestImport_RejectsIncompleteRows(t *testing.T) {
	ix, _ := setupIndex(t)
	_, err := ix.Import(context.Background(), []model.Asset{{ID: "as-1"}})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestLoadFile_YAMLList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: as-1
  patrimony_number: A-123
  qr_code: QR-1
  description: Office chair
- id: as-2
  patrimony_number: A-456
`), 0o644))

	items, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, model.AssetID("as-1"), items[0].ID)
	assert.Equal(t, "QR-1", items[0].QRCode)
	assert.Equal(t, "A-456", items[1].PatrimonyNumber)
}

func TestParse_JSONMapping(t *testing.T) {
	items, err := Parse([]byte(`{"assets": [{"id": "as-7", "patrimony_number": "A-789"}]}`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A-789", items[0].PatrimonyNumber)
}

func TestParse_Empty(t *testing.T) {
	items, err := Parse([]byte("\n"))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
