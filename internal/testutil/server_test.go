package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
)

func fakeRecord(key, campaign, asset string) model.ObservationRecord {
	return model.ObservationRecord{
		LocalKey:    key,
		CampaignID:  model.CampaignID(campaign),
		AssetID:     model.AssetID(asset),
		Status:      model.StatusConfirmed,
		CollectedAt: Epoch,
	}
}

func TestFakeServer_IdempotentCommit(t *testing.T) {
	s := NewFakeServer()
	ctx := context.Background()

	id1, err := s.Commit(ctx, fakeRecord("k1", "c1", "a1"))
	require.NoError(t, err)
	id2, err := s.Commit(ctx, fakeRecord("k1", "c1", "a1"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, s.Observations())
	commits, _, _ := s.Calls()
	assert.Equal(t, 2, commits)
}

func TestFakeServer_PairConflict(t *testing.T) {
	s := NewFakeServer()
	ctx := context.Background()
	owner := s.Seed("c1", "a1", "other-device-key")

	_, err := s.Commit(ctx, fakeRecord("k1", "c1", "a1"))
	var ce *model.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, owner, ce.ServerID)
	assert.Equal(t, "other-device-key", ce.OwnerKey)
}

func TestFakeServer_FailureInjection(t *testing.T) {
	s := NewFakeServer()
	ctx := context.Background()

	s.FailCommits(1)
	_, err := s.Commit(ctx, fakeRecord("k1", "c1", "a1"))
	assert.True(t, model.IsRetryable(err))
	assert.Equal(t, 0, s.Observations())

	s.FailCommitsAfterApply(1)
	_, err = s.Commit(ctx, fakeRecord("k1", "c1", "a1"))
	assert.True(t, model.IsRetryable(err))
	assert.Equal(t, 1, s.Observations(), "late failure still applies")

	s.RejectAsset("a2", "asset retired")
	_, err = s.Commit(ctx, fakeRecord("k2", "c1", "a2"))
	assert.ErrorIs(t, err, model.ErrValidation)

	s.FailUploads(1)
	_, err = s.UploadPhoto(ctx, "h1", []byte("x"))
	assert.True(t, model.IsRetryable(err))
	url, err := s.UploadPhoto(ctx, "h1", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, FakeBlobBase+"h1", url)

	s.RejectUploads(true)
	_, err = s.UploadPhoto(ctx, "h2", []byte("y"))
	assert.ErrorIs(t, err, model.ErrPhotoRejected)
}

func TestFakeServer_OverHTTP(t *testing.T) {
	s := NewFakeServer()
	s.SetAssets([]model.Asset{{ID: "as-1", PatrimonyNumber: "A-1"}})
	ts := httptest.NewServer(s)
	defer ts.Close()

	c := remote.NewClient(ts.URL, ts.URL, 2*time.Second)
	ctx := context.Background()

	id, err := c.Commit(ctx, fakeRecord("k1", "c1", "a1"))
	require.NoError(t, err)
	again, err := c.Commit(ctx, fakeRecord("k1", "c1", "a1"))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = c.Commit(ctx, fakeRecord("k2", "c1", "a1"))
	var ce *model.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, id, ce.ServerID)

	url, err := c.UploadPhoto(ctx, "h1", []byte("jpeg"))
	require.NoError(t, err)
	require.NoError(t, c.AttachPhoto(ctx, id, url))

	confirmed, err := c.ListConfirmed(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, url, confirmed[0].PhotoURL)

	assets, err := c.FetchAssets(ctx)
	require.NoError(t, err)
	assert.Len(t, assets, 1)

	resp, err := http.Head(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
