// Package locate provides best-effort GPS enrichment for observations.
//
// Location is evidence, not a requirement: a missing or slow fix never
// blocks or fails a save.
package locate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// DefaultTimeout bounds a single location request.
const DefaultTimeout = 5 * time.Second

// ErrPermissionDenied is returned by locators the operator has not
// authorised.
var ErrPermissionDenied = errors.New("location permission denied")

// ErrUnavailable is returned when no fix can be obtained.
var ErrUnavailable = errors.New("location unavailable")

// Locator obtains the device's current position.
type Locator interface {
	Locate(ctx context.Context) (model.Coords, error)
}

// FuncLocator adapts a function to Locator.
type FuncLocator func(ctx context.Context) (model.Coords, error)

// Locate calls f.
func (f FuncLocator) Locate(ctx context.Context) (model.Coords, error) {
	return f(ctx)
}

// StaticLocator always reports the same position, e.g. a surveyed site.
type StaticLocator struct {
	Coords model.Coords
}

// Locate returns the configured coordinates.
func (s StaticLocator) Locate(ctx context.Context) (model.Coords, error) {
	if err := ctx.Err(); err != nil {
		return model.Coords{}, err
	}
	return s.Coords, nil
}

// BestEffort asks loc for a fix within timeout. Any failure returns nil.
// The locator is abandoned rather than waited on once timeout expires.
func BestEffort(ctx context.Context, loc Locator, timeout time.Duration, logger *slog.Logger) *model.Coords {
	if loc == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		c   model.Coords
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := loc.Locate(ctx)
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			logger.Debug("location unavailable", "error", r.err)
			return nil
		}
		return &r.c
	case <-ctx.Done():
		logger.Debug("location timed out", "timeout", timeout)
		return nil
	}
}
