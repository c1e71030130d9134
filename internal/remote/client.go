// Package remote talks to the central commit API and the photo blob store
// over HTTP.
//
// Every failure is classified into the model error taxonomy: transport
// problems, timeouts and 5xx responses become *model.NetworkError
// (retryable), 409 on commit becomes *model.ConflictError, and other 4xx
// responses become *model.ValidationError (terminal).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 4 << 20

// Client is the HTTP client for the commit API and blob store.
//
// Thread-safety: Client is safe for concurrent use.
type Client struct {
	commitURL string
	blobURL   string
	http      *http.Client
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client. blobURL may be empty when photos are not
// uploaded from this device.
func NewClient(commitURL, blobURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		commitURL: strings.TrimRight(commitURL, "/"),
		blobURL:   strings.TrimRight(blobURL, "/"),
		http:      &http.Client{Timeout: timeout},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commit submits rec keyed by its LocalKey and returns the server id.
// Resubmitting the same key returns the original id.
func (c *Client) Commit(ctx context.Context, rec model.ObservationRecord) (string, error) {
	const op = "commit"
	endpoint := fmt.Sprintf("%s/campaigns/%s/observations", c.commitURL, url.PathEscape(string(rec.CampaignID)))

	body, err := json.Marshal(NewCommitRequest(rec))
	if err != nil {
		return "", fmt.Errorf("%s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, rec.LocalKey)

	status, respBody, err := c.do(req, op)
	if err != nil {
		return "", err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		var cr CommitResponse
		if err := json.Unmarshal(respBody, &cr); err != nil || cr.ServerID == "" {
			return "", model.NewNetworkError(op, fmt.Errorf("malformed commit response: %q", truncate(respBody)))
		}
		return cr.ServerID, nil
	case status == http.StatusConflict:
		var conflict ConflictResponse
		_ = json.Unmarshal(respBody, &conflict)
		return "", &model.ConflictError{
			CampaignID: rec.CampaignID,
			AssetID:    rec.AssetID,
			ServerID:   conflict.ServerID,
			OwnerKey:   conflict.LocalKey,
		}
	default:
		return "", classifyStatus(op, status, respBody)
	}
}

// AttachPhoto records url as the photo of an already committed observation.
// Attaching the same url twice is harmless.
func (c *Client) AttachPhoto(ctx context.Context, serverID, photoURL string) error {
	const op = "attach photo"
	endpoint := fmt.Sprintf("%s/observations/%s/photo", c.commitURL, url.PathEscape(serverID))

	body, err := json.Marshal(AttachRequest{URL: photoURL})
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	status, respBody, err := c.do(req, op)
	if err != nil {
		return err
	}
	if status == http.StatusNoContent || status == http.StatusOK {
		return nil
	}
	return classifyStatus(op, status, respBody)
}

// ListConfirmed returns the observations the server holds for a campaign.
func (c *Client) ListConfirmed(ctx context.Context, campaignID model.CampaignID) ([]model.ConfirmedRecord, error) {
	const op = "list confirmed"
	endpoint := fmt.Sprintf("%s/campaigns/%s/observations", c.commitURL, url.PathEscape(string(campaignID)))

	var items []ConfirmedItem
	if err := c.getJSON(ctx, op, endpoint, &items); err != nil {
		return nil, err
	}

	out := make([]model.ConfirmedRecord, 0, len(items))
	for _, it := range items {
		out = append(out, model.ConfirmedRecord{
			LocalKey:   it.LocalKey,
			CampaignID: campaignID,
			AssetID:    it.AssetID,
			ServerID:   it.ServerID,
			PhotoURL:   it.PhotoURL,
			SyncedAt:   it.SyncedAt,
		})
	}
	return out, nil
}

// FetchAssets downloads the asset registry.
func (c *Client) FetchAssets(ctx context.Context) ([]model.Asset, error) {
	var items []model.Asset
	if err := c.getJSON(ctx, "fetch assets", c.commitURL+"/assets", &items); err != nil {
		return nil, err
	}
	return items, nil
}

// UploadPhoto sends a photo binary to the blob store. A 4xx response is
// permanent and wraps model.ErrPhotoRejected.
func (c *Client) UploadPhoto(ctx context.Context, handle string, data []byte) (string, error) {
	const op = "upload photo"
	if c.blobURL == "" {
		return "", model.NewNetworkError(op, fmt.Errorf("blob store url not configured"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.blobURL+"/photos", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderPhotoHandle, handle)

	status, respBody, err := c.do(req, op)
	if err != nil {
		return "", err
	}
	if status == http.StatusOK || status == http.StatusCreated {
		var ur UploadResponse
		if err := json.Unmarshal(respBody, &ur); err != nil || ur.URL == "" {
			return "", model.NewNetworkError(op, fmt.Errorf("malformed upload response: %q", truncate(respBody)))
		}
		return ur.URL, nil
	}

	classified := classifyStatus(op, status, respBody)
	if model.IsRetryable(classified) {
		return "", classified
	}
	return "", fmt.Errorf("%w: %v", model.ErrPhotoRejected, classified)
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	status, body, err := c.do(req, op)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return classifyStatus(op, status, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// do performs req and reads the (capped) body.
func (c *Client) do(req *http.Request, op string) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, classifyTransport(c.logger, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, classifyTransport(c.logger, op, err)
	}
	c.logger.Debug("remote call", "op", op, "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)
	return resp.StatusCode, body, nil
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
