// Package photo captures photo evidence locally and uploads it later.
//
// Capture never touches the network. Upload is driven by the sync engine
// after the owning record has been committed, so a slow or failing upload
// never holds back the check-in itself.
package photo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// MaxBytes caps a single captured photo.
const MaxBytes = 16 << 20

// BlobStore uploads photo binaries and returns their public URL.
//
// Implementations return *model.NetworkError for transient failures and an
// error matching model.ErrPhotoRejected when the blob will never be accepted.
type BlobStore interface {
	UploadPhoto(ctx context.Context, handle string, data []byte) (url string, err error)
}

// Pipeline moves photos from local capture to remote storage.
type Pipeline struct {
	store  *store.Store
	blobs  BlobStore
	keys   model.KeyGenerator
	logger *slog.Logger
}

// NewPipeline creates a pipeline. blobs may be nil for a device that only
// captures; Upload then fails as a network error.
func NewPipeline(st *store.Store, blobs BlobStore, keys model.KeyGenerator, logger *slog.Logger) *Pipeline {
	if keys == nil {
		keys = model.UUIDv7Generator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: st, blobs: blobs, keys: keys, logger: logger}
}

// Capture stores the binary read from r and returns its local handle.
func (p *Pipeline) Capture(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("capture photo: %w", err)
	}
	return p.CaptureBytes(ctx, data)
}

// CaptureBytes stores data and returns its local handle.
func (p *Pipeline) CaptureBytes(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", model.NewValidationError("photo", "photo is empty")
	}
	if len(data) > MaxBytes {
		return "", model.NewValidationError("photo", fmt.Sprintf("photo exceeds %d bytes", MaxBytes))
	}

	handle := p.keys.Generate()
	if err := p.store.PutPhoto(ctx, handle, data); err != nil {
		return "", fmt.Errorf("capture photo: %w", err)
	}
	p.logger.Debug("photo captured", "handle", handle, "bytes", len(data))
	return handle, nil
}

// Upload sends the binary behind handle to the blob store.
func (p *Pipeline) Upload(ctx context.Context, handle string) (string, error) {
	data, err := p.store.Photo(ctx, handle)
	if errors.Is(err, store.ErrPhotoNotFound) {
		return "", fmt.Errorf("%w: local binary %s missing", model.ErrPhotoRejected, handle)
	}
	if err != nil {
		return "", fmt.Errorf("upload photo: %w", err)
	}
	if p.blobs == nil {
		return "", model.NewNetworkError("upload photo", errors.New("no blob store configured"))
	}

	url, err := p.blobs.UploadPhoto(ctx, handle, data)
	if err != nil {
		return "", err
	}
	p.logger.Debug("photo uploaded", "handle", handle, "url", url)
	return url, nil
}

// Release drops the local binary once the record no longer needs it.
func (p *Pipeline) Release(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	if err := p.store.DeletePhoto(ctx, handle); err != nil {
		return fmt.Errorf("release photo: %w", err)
	}
	return nil
}

// Sweep releases binaries no outbox record references. Returns the number
// released.
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	orphans, err := p.store.OrphanPhotos(ctx)
	if err != nil {
		return 0, err
	}
	for _, h := range orphans {
		if err := p.Release(ctx, h); err != nil {
			return 0, err
		}
	}
	if len(orphans) > 0 {
		p.logger.Info("released orphaned photos", "count", len(orphans))
	}
	return len(orphans), nil
}
