// Package assets resolves scanned codes to registry assets, offline.
//
// The registry is owned by an external system; fieldsync keeps a read-only
// copy in the local database so scans resolve without connectivity.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Cache lifetimes for resolved codes. Registry imports flush the cache.
const (
	defaultCacheTTL     = 10 * time.Minute
	defaultCacheCleanup = 20 * time.Minute
)

// Resolver resolves a scanned code to an asset.
type Resolver interface {
	Resolve(ctx context.Context, code string) (model.Asset, error)
}

// Index is the offline asset lookup index.
//
// Thread-safety: Index is safe for concurrent use.
type Index struct {
	store  *store.Store
	cache  *cache.Cache
	logger *slog.Logger
}

// NewIndex creates an index backed by st.
func NewIndex(st *store.Store, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		store:  st,
		cache:  cache.New(defaultCacheTTL, defaultCacheCleanup),
		logger: logger,
	}
}

// Key normalises a code for matching: NFC, trimmed, Unicode case-folded.
// "A-123", "a-123" and " A-123 " all produce the same key.
func Key(code string) string {
	s := norm.NFC.String(strings.TrimSpace(code))
	// Casers are stateful and must not be shared between goroutines.
	return cases.Fold().String(s)
}

// Resolve matches code case-insensitively against patrimony numbers and QR
// payloads. No match returns model.ErrNotFound; that is a normal outcome
// for foreign or damaged labels, not a fault.
func (ix *Index) Resolve(ctx context.Context, code string) (model.Asset, error) {
	key := Key(code)
	if key == "" {
		return model.Asset{}, model.NewValidationError("asset_code", "scanned code is empty")
	}

	if v, ok := ix.cache.Get(key); ok {
		return v.(model.Asset), nil
	}

	a, err := ix.store.FindAsset(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		ix.logger.Debug("scanned code not in registry", "code", code)
		return model.Asset{}, err
	}
	if err != nil {
		return model.Asset{}, fmt.Errorf("resolve %q: %w", code, err)
	}

	// Negative results are not cached: an import may add the asset at any time.
	ix.cache.SetDefault(key, a)
	return a, nil
}

// Import upserts registry rows into the local copy and flushes the cache.
func (ix *Index) Import(ctx context.Context, items []model.Asset) (int, error) {
	rows := make([]store.AssetRow, 0, len(items))
	for _, a := range items {
		if a.ID == "" || strings.TrimSpace(a.PatrimonyNumber) == "" {
			return 0, model.NewValidationError("asset", fmt.Sprintf("registry row %q needs id and patrimony_number", a.ID))
		}
		row := store.AssetRow{Asset: a, PatrimonyKey: Key(a.PatrimonyNumber)}
		if a.QRCode != "" {
			row.QRKey = Key(a.QRCode)
		}
		rows = append(rows, row)
	}

	n, err := ix.store.UpsertAssets(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("import assets: %w", err)
	}
	ix.cache.Flush()
	ix.logger.Info("asset registry imported", "rows", n)
	return n, nil
}

// Count returns the number of cached registry rows.
func (ix *Index) Count(ctx context.Context) (int, error) {
	return ix.store.CountAssets(ctx)
}
