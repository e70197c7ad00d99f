package room

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("room not found")
	ErrInvalidCredentials = errors.New("invalid room credentials")
	ErrCapacityExceeded   = errors.New("room is full")
	ErrRoomDeleted        = errors.New("room has been deleted")

	// Reserved for revision-checked edits. Last-write-wins never returns it.
	ErrConflict = errors.New("document revision conflict")
)

type ValidationReason string

const (
	ReasonEmptyName              ValidationReason = "emptyName"
	ReasonWeakPassword           ValidationReason = "weakPassword"
	ReasonInvalidMaxParticipants ValidationReason = "invalidMaxParticipants"
	ReasonUnknownLanguage        ValidationReason = "unknownLanguage"
	ReasonMissingUser            ValidationReason = "missingUserId"
)

// ValidationError is returned before any state is touched.
type ValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s (%s)", e.Reason, e.Detail)
}

func NewValidationError(reason ValidationReason, detail string) *ValidationError {
	return &ValidationError{Reason: reason, Detail: detail}
}

// IsValidation reports whether err carries a ValidationError and returns it.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
