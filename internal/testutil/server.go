package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
)

// FakeBlobBase is the URL prefix FakeServer returns for uploaded photos.
const FakeBlobBase = "https://blobs.fake/p/"

var errInjected = errors.New("injected failure")

type pairKey struct {
	campaign model.CampaignID
	asset    model.AssetID
}

type committed struct {
	serverID string
	localKey string
	pair     pairKey
	photoURL string
	syncedAt time.Time
	rec      model.ObservationRecord
}

// FakeServer is an in-memory commit API and blob store.
//
// Commits are upserts keyed by the local key: resubmitting a key returns the
// original server id and changes nothing. A pair already owned by a
// different key yields a conflict. Failures can be injected per call type.
//
// FakeServer satisfies the engine's commit and blob interfaces directly and
// also serves the HTTP API through ServeHTTP.
//
// Thread-safety: FakeServer is safe for concurrent use.
type FakeServer struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int

	byKey  map[string]*committed
	byPair map[pairKey]*committed
	blobs  map[string][]byte
	assets []model.Asset
	reject map[model.AssetID]string

	commitCalls int
	uploadCalls int
	attachCalls int

	failCommits       int
	failCommitsLate   int
	failUploads       int
	failAttaches      int
	rejectUploads     bool
	beforeCommitHooks []func(model.ObservationRecord)

	muxOnce sync.Once
	mux     *http.ServeMux
}

// NewFakeServer creates an empty server.
func NewFakeServer() *FakeServer {
	return &FakeServer{
		now:    time.Now,
		byKey:  make(map[string]*committed),
		byPair: make(map[pairKey]*committed),
		blobs:  make(map[string][]byte),
		reject: make(map[model.AssetID]string),
	}
}

// FailCommits makes the next n commits fail with a network error before
// they reach the server state.
func (s *FakeServer) FailCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}

// FailCommitsAfterApply makes the next n commits take effect but lose the
// response, as when a connection drops after the server has written.
func (s *FakeServer) FailCommitsAfterApply(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommitsLate = n
}

// FailUploads makes the next n photo uploads fail with a network error.
func (s *FakeServer) FailUploads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads = n
}

// RejectUploads makes every photo upload fail permanently.
func (s *FakeServer) RejectUploads(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectUploads = reject
}

// FailAttaches makes the next n photo attaches fail with a network error.
func (s *FakeServer) FailAttaches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAttaches = n
}

// RejectAsset makes commits for assetID fail validation with msg.
func (s *FakeServer) RejectAsset(assetID model.AssetID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[assetID] = msg
}

// BeforeCommit registers fn to run at the start of every commit, outside
// the server lock. Tests use it to block or observe in-flight commits.
func (s *FakeServer) BeforeCommit(fn func(model.ObservationRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeCommitHooks = append(s.beforeCommitHooks, fn)
}

// Seed records an observation committed by another device.
func (s *FakeServer) Seed(campaignID model.CampaignID, assetID model.AssetID, localKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.applyLocked(model.ObservationRecord{LocalKey: localKey, CampaignID: campaignID, AssetID: assetID})
	return c.serverID
}

// SetAssets replaces the registry served by FetchAssets.
func (s *FakeServer) SetAssets(assets []model.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets = append([]model.Asset(nil), assets...)
}

// Commit implements the commit API.
func (s *FakeServer) Commit(ctx context.Context, rec model.ObservationRecord) (string, error) {
	s.mu.Lock()
	hooks := append(([]func(model.ObservationRecord))(nil),s.beforeCommitHooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitCalls++

	if s.failCommits > 0 {
		s.failCommits--
		return "", model.NewNetworkError("commit", errInjected)
	}
	if msg, ok := s.reject[rec.AssetID]; ok {
		return "", model.NewValidationError("asset_id", msg)
	}

	if c, ok := s.byKey[rec.LocalKey]; ok {
		return c.serverID, s.lateFailureLocked()
	}
	pair := pairKey{rec.CampaignID, rec.AssetID}
	if owner, ok := s.byPair[pair]; ok {
		return "", &model.ConflictError{
			CampaignID: rec.CampaignID,
			AssetID:    rec.AssetID,
			ServerID:   owner.serverID,
			OwnerKey:   owner.localKey,
		}
	}

	c := s.applyLocked(rec)
	return c.serverID, s.lateFailureLocked()
}

func (s *FakeServer) lateFailureLocked() error {
	if s.failCommitsLate > 0 {
		s.failCommitsLate--
		return model.NewNetworkError("commit", fmt.Errorf("response lost: %w", errInjected))
	}
	return nil
}

func (s *FakeServer) applyLocked(rec model.ObservationRecord) *committed {
	s.nextID++
	c := &committed{
		serverID: fmt.Sprintf("srv-%d", s.nextID),
		localKey: rec.LocalKey,
		pair:     pairKey{rec.CampaignID, rec.AssetID},
		syncedAt: s.now().UTC(),
		rec:      rec,
	}
	s.byKey[rec.LocalKey] = c
	s.byPair[c.pair] = c
	return c
}

// AttachPhoto implements the commit API photo attach.
func (s *FakeServer) AttachPhoto(ctx context.Context, serverID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachCalls++

	if s.failAttaches > 0 {
		s.failAttaches--
		return model.NewNetworkError("attach photo", errInjected)
	}
	for _, c := range s.byKey {
		if c.serverID == serverID {
			c.photoURL = url
			return nil
		}
	}
	return model.NewValidationError("server_id", "unknown observation "+serverID)
}

// UploadPhoto implements the blob store.
func (s *FakeServer) UploadPhoto(ctx context.Context, handle string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadCalls++

	if s.rejectUploads {
		return "", fmt.Errorf("%w: blob store refused %s", model.ErrPhotoRejected, handle)
	}
	if s.failUploads > 0 {
		s.failUploads--
		return "", model.NewNetworkError("upload photo", errInjected)
	}
	s.blobs[handle] = append([]byte(nil), data...)
	return FakeBlobBase + handle, nil
}

// ListConfirmed returns the server's observations for a campaign.
func (s *FakeServer) ListConfirmed(ctx context.Context, campaignID model.CampaignID) ([]model.ConfirmedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.ConfirmedRecord
	for _, c := range s.byKey {
		if c.pair.campaign != campaignID {
			continue
		}
		out = append(out, model.ConfirmedRecord{
			LocalKey:   c.localKey,
			CampaignID: c.pair.campaign,
			AssetID:    c.pair.asset,
			ServerID:   c.serverID,
			PhotoURL:   c.photoURL,
			SyncedAt:   c.syncedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

// FetchAssets returns the registry set with SetAssets.
func (s *FakeServer) FetchAssets(ctx context.Context) ([]model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Asset(nil), s.assets...), nil
}

// Observations returns the number of distinct observations the server
// holds. Exactly-once delivery means this equals the number of saves.
func (s *FakeServer) Observations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Committed returns the server copy of the observation with localKey.
func (s *FakeServer) Committed(localKey string) (model.ObservationRecord, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byKey[localKey]
	if !ok {
		return model.ObservationRecord{}, "", false
	}
	return c.rec, c.photoURL, true
}

// Blob returns an uploaded photo binary.
func (s *FakeServer) Blob(handle string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[handle]
	return b, ok
}

// Calls returns how many commit, upload and attach calls were made.
func (s *FakeServer) Calls() (commits, uploads, attaches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitCalls, s.uploadCalls, s.attachCalls
}

// ServeHTTP exposes the fake over the commit and blob HTTP APIs.
func (s *FakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.muxOnce.Do(s.buildMux)
	s.mux.ServeHTTP(w, r)
}

func (s *FakeServer) buildMux() {
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /campaigns/{campaign}/observations", s.handleCommit)
	mux.HandleFunc("GET /campaigns/{campaign}/observations", s.handleList)
	mux.HandleFunc("PUT /observations/{id}/photo", s.handleAttach)
	mux.HandleFunc("GET /assets", func(w http.ResponseWriter, r *http.Request) {
		assets, _ := s.FetchAssets(r.Context())
		writeJSON(w, http.StatusOK, assets)
	})
	mux.HandleFunc("POST /photos", s.handleUpload)
	s.mux = mux
}

func (s *FakeServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req remote.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, remote.ErrorResponse{Message: err.Error()})
		return
	}
	key := r.Header.Get(remote.HeaderIdempotencyKey)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, remote.ErrorResponse{Field: "local_key", Message: "missing idempotency key"})
		return
	}

	rec := model.ObservationRecord{
		LocalKey:          key,
		CampaignID:        model.CampaignID(r.PathValue("campaign")),
		AssetID:           req.AssetID,
		Status:            req.Status,
		FoundLocationUnit: req.FoundLocationUnit,
		FoundLocationRoom: req.FoundLocationRoom,
		Detail:            req.Detail,
		Notes:             req.Notes,
		GPS:               req.GPS,
		DeviceID:          req.DeviceID,
		CollectedAt:       req.CollectedAt,
	}
	id, err := s.Commit(r.Context(), rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, remote.CommitResponse{ServerID: id})
}

func (s *FakeServer) handleList(w http.ResponseWriter, r *http.Request) {
	recs, _ := s.ListConfirmed(r.Context(), model.CampaignID(r.PathValue("campaign")))
	items := make([]remote.ConfirmedItem, 0, len(recs))
	for _, c := range recs {
		items = append(items, remote.ConfirmedItem{
			ServerID: c.ServerID,
			LocalKey: c.LocalKey,
			AssetID:  c.AssetID,
			PhotoURL: c.PhotoURL,
			SyncedAt: c.SyncedAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *FakeServer) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req remote.AttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, remote.ErrorResponse{Message: err.Error()})
		return
	}
	if err := s.AttachPhoto(r.Context(), r.PathValue("id"), req.URL); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *FakeServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, remote.ErrorResponse{Message: err.Error()})
		return
	}
	url, err := s.UploadPhoto(r.Context(), r.Header.Get(remote.HeaderPhotoHandle), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, remote.UploadResponse{URL: url})
}

func writeError(w http.ResponseWriter, err error) {
	var conflict *model.ConflictError
	var invalid *model.ValidationError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, remote.ConflictResponse{ServerID: conflict.ServerID, LocalKey: conflict.OwnerKey})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, remote.ErrorResponse{Field: invalid.Field, Message: invalid.Message})
	case errors.Is(err, model.ErrPhotoRejected):
		writeJSON(w, http.StatusUnprocessableEntity, remote.ErrorResponse{Field: "photo", Message: err.Error()})
	default:
		writeJSON(w, http.StatusServiceUnavailable, remote.ErrorResponse{Message: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
