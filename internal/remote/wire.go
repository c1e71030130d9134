package remote

import (
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// Header names used by the commit and blob APIs.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderPhotoHandle    = "X-Photo-Handle"
)

// CommitRequest is the body of POST /campaigns/{campaign}/observations.
// The photo is attached separately once uploaded.
type CommitRequest struct {
	LocalKey          string        `json:"local_key"`
	AssetID           model.AssetID `json:"asset_id"`
	Status            model.Status  `json:"status"`
	FoundLocationUnit string        `json:"found_location_unit,omitempty"`
	FoundLocationRoom string        `json:"found_location_room,omitempty"`
	Detail            string        `json:"detail,omitempty"`
	Notes             string        `json:"notes,omitempty"`
	GPS               *model.Coords `json:"gps_coords,omitempty"`
	DeviceID          string        `json:"device_id,omitempty"`
	CollectedAt       time.Time     `json:"collected_at"`
}

// NewCommitRequest builds the wire body for rec.
func NewCommitRequest(rec model.ObservationRecord) CommitRequest {
	return CommitRequest{
		LocalKey:          rec.LocalKey,
		AssetID:           rec.AssetID,
		Status:            rec.Status,
		FoundLocationUnit: rec.FoundLocationUnit,
		FoundLocationRoom: rec.FoundLocationRoom,
		Detail:            rec.Detail,
		Notes:             rec.Notes,
		GPS:               rec.GPS,
		DeviceID:          rec.DeviceID,
		CollectedAt:       rec.CollectedAt.UTC(),
	}
}

// CommitResponse is returned for an accepted (or re-accepted) commit.
type CommitResponse struct {
	ServerID string `json:"server_id"`
}

// ConflictResponse is the 409 body: another observation owns the pair.
type ConflictResponse struct {
	ServerID string `json:"server_id"`
	LocalKey string `json:"local_key"`
}

// ErrorResponse is the body of other 4xx/5xx responses.
type ErrorResponse struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// AttachRequest is the body of PUT /observations/{server_id}/photo.
type AttachRequest struct {
	URL string `json:"url"`
}

// UploadResponse is returned by POST {blob}/photos.
type UploadResponse struct {
	URL string `json:"url"`
}

// ConfirmedItem is one entry of GET /campaigns/{campaign}/observations.
type ConfirmedItem struct {
	ServerID string        `json:"server_id"`
	LocalKey string        `json:"local_key"`
	AssetID  model.AssetID `json:"asset_id"`
	PhotoURL string        `json:"photo_url,omitempty"`
	SyncedAt time.Time     `json:"synced_at"`
}
