package model

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// match with errors.Is regardless of the detail carried.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("asset not found")
	ErrAlreadyCollected  = errors.New("asset already collected in campaign")
	ErrNetwork           = errors.New("network error")
	ErrConflict          = errors.New("observation conflict")
	ErrStorageExhausted  = errors.New("local storage exhausted")
	ErrInvalidTransition = errors.New("invalid sync state transition")
	ErrRecordNotFound    = errors.New("record not found in outbox")
	ErrPhotoRejected     = errors.New("photo rejected")
	ErrKeyReused         = errors.New("local key already issued")
)

// ValidationError reports a missing or malformed field. It is returned
// synchronously and the record never reaches the outbox.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NetworkError wraps a transient transport failure (timeout, refused
// connection, 5xx). Network errors feed the retry path.
type NetworkError struct {
	Op  string
	Err error
}

// NewNetworkError wraps err as a NetworkError for op.
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrNetwork, e.Op, e.Err)
}

// Is matches ErrNetwork as well as the wrapped cause.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

func (e *NetworkError) Unwrap() error { return e.Err }

// ConflictError is returned by the commit API when the (campaign, asset)
// pair is already owned by a different local key.
type ConflictError struct {
	CampaignID CampaignID
	AssetID    AssetID
	ServerID   string
	OwnerKey   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: campaign=%s asset=%s owned by %s (server_id=%s)",
		ErrConflict, e.CampaignID, e.AssetID, e.OwnerKey, e.ServerID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// IsRetryable returns true if err is a transient failure worth retrying.
// Uses errors.Is to handle wrapped errors.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsConflict returns true if err is a commit conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
