package broker

import (
	"errors"

	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

// Codes carried by error events.
const (
	CodeValidation         = "validation"
	CodeNotFound           = "not_found"
	CodeInvalidCredentials = "invalid_credentials"
	CodeCapacityExceeded   = "capacity_exceeded"
	CodeNotJoined          = "not_joined"
	CodeInternal           = "internal"
)

// ErrorCode maps an error to the stable code a client sees.
func ErrorCode(err error) string {
	if _, ok := room.IsValidation(err); ok {
		return CodeValidation
	}
	switch {
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrUnknownKind):
		return CodeValidation
	case errors.Is(err, room.ErrNotFound), errors.Is(err, room.ErrRoomDeleted):
		return CodeNotFound
	case errors.Is(err, room.ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, room.ErrCapacityExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined
	default:
		return CodeInternal
	}
}

// internal failures are not described to clients
func errorMessage(err error) string {
	if ErrorCode(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}
