package guard

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

type fakeSource struct {
	confirmed bool
	states    []model.SyncState
	err       error
}

func (f fakeSource) HasConfirmed(context.Context, model.CampaignID, model.AssetID) (bool, error) {
	return f.confirmed, f.err
}

func (f fakeSource) StatesFor(context.Context, model.CampaignID, model.AssetID) ([]model.SyncState, error) {
	return f.states, nil
}

func TestCanCollect(t *testing.T) {
	tests := []struct {
		name string
		src  fakeSource
		want Decision
	}{
		{"nothing known", fakeSource{}, Allowed},
		{"confirmed by server", fakeSource{confirmed: true}, AlreadyCollected},
		{"pending locally", fakeSource{states: []model.SyncState{model.SyncPending}}, AlreadyCollected},
		{"syncing locally", fakeSource{states: []model.SyncState{model.SyncSyncing}}, AlreadyCollected},
		{"synced locally", fakeSource{states: []model.SyncState{model.SyncSynced}}, AlreadyCollected},
		{"failed does not block", fakeSource{states: []model.SyncState{model.SyncFailed}}, Allowed},
		{"conflicted does not block", fakeSource{states: []model.SyncState{model.SyncConflicted}}, Allowed},
		{"failed then pending", fakeSource{states: []model.SyncState{model.SyncFailed, model.SyncPending}}, AlreadyCollected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.src).CanCollect(context.Background(), "c1", "a1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanCollect_SourceError(t *testing.T) {
	boom := errors.New("disk gone")
	_, err := New(fakeSource{err: boom}).CanCollect(context.Background(), "c1", "a1")
	assert.ErrorIs(t, err, boom)
}

func TestCanCollect_Store(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	g := New(st)

	d, err := g.CanCollect(ctx, "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, Allowed, d)

	_, err = st.Append(ctx, model.ObservationRecord{
		LocalKey:    "k1",
		CampaignID:  "c1",
		AssetID:     "a1",
		Status:      model.StatusConfirmed,
		Photo:       model.NoPhoto(),
		CollectedAt: time.Now(),
		SyncState:   model.SyncPending,
	})
	require.NoError(t, err)

	d, err = g.CanCollect(ctx, "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyCollected, d)

	d, err = g.CanCollect(ctx, "c2", "a1")
	require.NoError(t, err)
	assert.Equal(t, Allowed, d, "same asset in another campaign")

	_, err = st.ImportConfirmed(ctx, []model.ConfirmedRecord{
		{LocalKey: "remote-1", CampaignID: "c1", AssetID: "a2", ServerID: "srv-1", SyncedAt: time.Now()},
	})
	require.NoError(t, err)
	d, err = g.CanCollect(ctx, "c1", "a2")
	require.NoError(t, err)
	assert.Equal(t, AlreadyCollected, d)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allowed", Allowed.String())
	assert.Equal(t, "already_collected", AlreadyCollected.String())
}
