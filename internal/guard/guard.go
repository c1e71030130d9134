// Package guard prevents a second observation of the same asset within a
// campaign.
//
// The guard is advisory. It only sees the local outbox and the confirmed
// ledger as of the last refresh; another device may still collect the same
// asset, and the server settles that at commit time with a conflict.
package guard

import (
	"context"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// Decision is the outcome of a collection check.
type Decision int

const (
	Allowed Decision = iota
	AlreadyCollected
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case AlreadyCollected:
		return "already_collected"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Source is the local view the guard consults.
// *store.Store satisfies it.
type Source interface {
	HasConfirmed(ctx context.Context, campaignID model.CampaignID, assetID model.AssetID) (bool, error)
	StatesFor(ctx context.Context, campaignID model.CampaignID, assetID model.AssetID) ([]model.SyncState, error)
}

// Guard answers whether an asset may be collected.
type Guard struct {
	src Source
}

// New creates a guard over src.
func New(src Source) *Guard {
	return &Guard{src: src}
}

// CanCollect returns AlreadyCollected when the pair is confirmed by the
// server or has a pending, syncing or synced record in the outbox. A record
// the server acknowledged whose photo is still retrying counts as
// confirmed. Other failed records and conflicted ones do not block a new
// attempt.
func (g *Guard) CanCollect(ctx context.Context, campaignID model.CampaignID, assetID model.AssetID) (Decision, error) {
	confirmed, err := g.src.HasConfirmed(ctx, campaignID, assetID)
	if err != nil {
		return Allowed, fmt.Errorf("guard: %w", err)
	}
	if confirmed {
		return AlreadyCollected, nil
	}

	states, err := g.src.StatesFor(ctx, campaignID, assetID)
	if err != nil {
		return Allowed, fmt.Errorf("guard: %w", err)
	}
	for _, st := range states {
		if st.Blocking() {
			return AlreadyCollected, nil
		}
	}
	return Allowed, nil
}
