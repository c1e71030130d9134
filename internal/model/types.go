package model

import (
	"fmt"
	"time"
)

// CampaignID identifies an inventory audit round. Supplied by the registry.
type CampaignID string

// AssetID identifies a registry asset. Supplied by the registry.
type AssetID string

// Status is the operator's finding for a scanned asset.
type Status string

const (
	StatusConfirmed  Status = "confirmed"
	StatusDiscrepant Status = "discrepant"
	StatusNotFound   Status = "not_found"
	StatusUnlabeled  Status = "unlabeled"
)

// ParseStatus converts operator input into a Status.
// Unknown values are a validation error, never a default.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusConfirmed:
		return StatusConfirmed, nil
	case StatusDiscrepant:
		return StatusDiscrepant, nil
	case StatusNotFound:
		return StatusNotFound, nil
	case StatusUnlabeled:
		return StatusUnlabeled, nil
	}
	if s == "" {
		return "", NewValidationError("status", "status is required")
	}
	return "", NewValidationError("status", fmt.Sprintf("unknown status %q", s))
}

// SyncState tracks a record's progress towards the server.
type SyncState string

const (
	SyncPending    SyncState = "pending"
	SyncSyncing    SyncState = "syncing"
	SyncSynced     SyncState = "synced"
	SyncConflicted SyncState = "conflicted"
	SyncFailed     SyncState = "failed"
)

// Blocking reports whether a record in this state prevents another
// observation of the same asset in the same campaign.
func (s SyncState) Blocking() bool {
	switch s {
	case SyncPending, SyncSyncing, SyncSynced:
		return true
	case SyncFailed, SyncConflicted:
		return false
	}
	return false
}

// CanTransition reports whether from → to is a legal sync state move.
//
//	pending → syncing
//	syncing → synced | failed | conflicted
//	failed  → pending
func CanTransition(from, to SyncState) bool {
	switch from {
	case SyncPending:
		return to == SyncSyncing
	case SyncSyncing:
		return to == SyncSynced || to == SyncFailed || to == SyncConflicted
	case SyncFailed:
		return to == SyncPending
	case SyncSynced, SyncConflicted:
		return false
	}
	return false
}

// FailureKind distinguishes retryable from terminal failures.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureNetwork    FailureKind = "network"
	FailureValidation FailureKind = "validation"
)

// PhotoKind says where a record's photo evidence lives.
type PhotoKind string

const (
	PhotoAbsent PhotoKind = "absent"
	PhotoLocal  PhotoKind = "local"
	PhotoRemote PhotoKind = "remote"
)

// Photo is either a local binary handle, a remote URL, or absent.
type Photo struct {
	Kind   PhotoKind `json:"kind"`
	Handle string    `json:"handle,omitempty"`
	URL    string    `json:"url,omitempty"`
}

// NoPhoto returns an absent photo.
func NoPhoto() Photo { return Photo{Kind: PhotoAbsent} }

// LocalPhoto returns a photo held on the device.
func LocalPhoto(handle string) Photo { return Photo{Kind: PhotoLocal, Handle: handle} }

// RemotePhoto returns a photo held by blob storage.
func RemotePhoto(url string) Photo { return Photo{Kind: PhotoRemote, URL: url} }

// Coords is a best-effort GPS fix.
type Coords struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ObservationRecord is the unit of work queued in the outbox.
type ObservationRecord struct {
	LocalKey          string      `json:"local_key"`
	Seq               int64       `json:"seq"`
	CampaignID        CampaignID  `json:"campaign_id"`
	AssetID           AssetID     `json:"asset_id"`
	Status            Status      `json:"status"`
	FoundLocationUnit string      `json:"found_location_unit,omitempty"`
	FoundLocationRoom string      `json:"found_location_room,omitempty"`
	Detail            string      `json:"detail,omitempty"`
	Notes             string      `json:"notes,omitempty"`
	Photo             Photo       `json:"photo"`
	GPS               *Coords     `json:"gps_coords,omitempty"`
	DeviceID          string      `json:"device_id,omitempty"`
	CollectedAt       time.Time   `json:"collected_at"`
	SyncState         SyncState   `json:"sync_state"`
	RetryCount        int         `json:"retry_count"`
	FailureKind       FailureKind `json:"failure_kind,omitempty"`
	LastError         string      `json:"last_error,omitempty"`
	NextAttemptAt     *time.Time  `json:"next_attempt_at,omitempty"`
	ServerID          string      `json:"server_id,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Exhausted reports whether a failed record has used up its automatic
// retries and now waits for an operator.
func (r ObservationRecord) Exhausted(maxRetries int) bool {
	if r.SyncState != SyncFailed {
		return false
	}
	return r.FailureKind == FailureValidation || r.RetryCount >= maxRetries
}

// Patch is a partial update applied by the outbox. Nil fields are left alone.
type Patch struct {
	SyncState     *SyncState
	RetryCount    *int
	FailureKind   *FailureKind
	LastError     *string
	NextAttemptAt **time.Time
	ServerID      *string
	Photo         *Photo
}

// Apply returns a copy of rec with the patch applied and validated.
func (p Patch) Apply(rec ObservationRecord) (ObservationRecord, error) {
	out := rec
	if p.SyncState != nil && *p.SyncState != rec.SyncState {
		if !CanTransition(rec.SyncState, *p.SyncState) {
			return rec, fmt.Errorf("%w: %s → %s (key=%s)", ErrInvalidTransition, rec.SyncState, *p.SyncState, rec.LocalKey)
		}
		out.SyncState = *p.SyncState
	}
	if p.RetryCount != nil {
		out.RetryCount = *p.RetryCount
	}
	if p.FailureKind != nil {
		out.FailureKind = *p.FailureKind
	}
	if p.LastError != nil {
		out.LastError = *p.LastError
	}
	if p.NextAttemptAt != nil {
		out.NextAttemptAt = *p.NextAttemptAt
	}
	if p.ServerID != nil {
		out.ServerID = *p.ServerID
	}
	if p.Photo != nil {
		out.Photo = *p.Photo
	}

	if out.SyncState == SyncSynced {
		if out.Photo.Kind == PhotoLocal {
			return rec, fmt.Errorf("%w: synced record %s still holds a local photo", ErrInvalidTransition, rec.LocalKey)
		}
		if out.ServerID == "" {
			return rec, fmt.Errorf("%w: synced record %s has no server id", ErrInvalidTransition, rec.LocalKey)
		}
	} else if out.ServerID != "" {
		return rec, fmt.Errorf("%w: server id set on %s record %s", ErrInvalidTransition, out.SyncState, rec.LocalKey)
	}
	return out, nil
}

// ObservationInput is what the UI submits when an agent saves a scan.
type ObservationInput struct {
	CampaignID        CampaignID `json:"campaign_id"`
	AssetCode         string     `json:"asset_code"`
	Status            string     `json:"status"`
	FoundLocationUnit string     `json:"found_location_unit,omitempty"`
	FoundLocationRoom string     `json:"found_location_room,omitempty"`
	Detail            string     `json:"detail,omitempty"`
	Notes             string     `json:"notes,omitempty"`

	// Photo is the raw captured image, nil when no photo was taken.
	Photo []byte `json:"-"`
}

// Asset is a registry entry resolved from a scanned code.
type Asset struct {
	ID              AssetID `json:"id" yaml:"id"`
	PatrimonyNumber string  `json:"patrimony_number" yaml:"patrimony_number"`
	QRCode          string  `json:"qr_code,omitempty" yaml:"qr_code,omitempty"`
	Description     string  `json:"description,omitempty" yaml:"description,omitempty"`
	LocationUnit    string  `json:"location_unit,omitempty" yaml:"location_unit,omitempty"`
	LocationRoom    string  `json:"location_room,omitempty" yaml:"location_room,omitempty"`
}

// ConfirmedRecord is a server-confirmed observation kept in the local ledger.
type ConfirmedRecord struct {
	LocalKey   string     `json:"local_key"`
	CampaignID CampaignID `json:"campaign_id"`
	AssetID    AssetID    `json:"asset_id"`
	ServerID   string     `json:"server_id"`
	PhotoURL   string     `json:"photo_url,omitempty"`
	SyncedAt   time.Time  `json:"synced_at"`
}
