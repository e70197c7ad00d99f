package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/manpreetbhatti/coderoom/internal/room"
)

// Kind names an event on the wire
type Kind string

const (
	// Inbound, from a gateway
	KindJoinRoom       Kind = "join-room"
	KindCodeChange     Kind = "code-change"
	KindCursorChange   Kind = "cursor-change"
	KindLanguageChange Kind = "language-change"
	KindLeaveRoom      Kind = "leave-room"

	// Outbound only
	KindUserJoined   Kind = "user-joined"
	KindPresence     Kind = "presence"
	KindDocumentSync Kind = "document-sync"
	KindError        Kind = "error"
	KindRoomClosed   Kind = "room-closed"
)

var (
	ErrUnknownKind = errors.New("unknown event type")
	ErrMalformed   = errors.New("malformed event")
)

// Every frame in both directions is {"type": ..., "data": {...}}
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound is the closed set of events a gateway may send.
type Inbound interface {
	Kind() Kind
	Room() string
	User() string
	inbound()
}

type JoinRoom struct {
	RoomID      string `json:"roomId" validate:"required"`
	UserID      string `json:"userId" validate:"required"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password,omitempty" validate:"required_without=Token"`
	Token       string `json:"token,omitempty"`
}

type CodeChange struct {
	RoomID string `json:"roomId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
	Code   string `json:"code"`
}

type CursorChange struct {
	RoomID string      `json:"roomId" validate:"required"`
	UserID string      `json:"userId" validate:"required"`
	Cursor room.Cursor `json:"cursor"`
}

type LanguageChange struct {
	RoomID   string `json:"roomId" validate:"required"`
	UserID   string `json:"userId" validate:"required"`
	Language string `json:"language" validate:"required"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

func (JoinRoom) Kind() Kind       { return KindJoinRoom }
func (CodeChange) Kind() Kind     { return KindCodeChange }
func (CursorChange) Kind() Kind   { return KindCursorChange }
func (LanguageChange) Kind() Kind { return KindLanguageChange }
func (LeaveRoom) Kind() Kind      { return KindLeaveRoom }

func (e JoinRoom) Room() string       { return e.RoomID }
func (e CodeChange) Room() string     { return e.RoomID }
func (e CursorChange) Room() string   { return e.RoomID }
func (e LanguageChange) Room() string { return e.RoomID }
func (e LeaveRoom) Room() string      { return e.RoomID }

func (e JoinRoom) User() string       { return e.UserID }
func (e CodeChange) User() string     { return e.UserID }
func (e CursorChange) User() string   { return e.UserID }
func (e LanguageChange) User() string { return e.UserID }
func (e LeaveRoom) User() string      { return e.UserID }

func (JoinRoom) inbound()       {}
func (CodeChange) inbound()     {}
func (CursorChange) inbound()   {}
func (LanguageChange) inbound() {}
func (LeaveRoom) inbound()      {}

var validate = validator.New()

func decodeInto[T Inbound](data json.RawMessage) (Inbound, error) {
	var ev T
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, nil
}

var decoders = map[Kind]func(json.RawMessage) (Inbound, error){
	KindJoinRoom:       decodeInto[JoinRoom],
	KindCodeChange:     decodeInto[CodeChange],
	KindCursorChange:   decodeInto[CursorChange],
	KindLanguageChange: decodeInto[LanguageChange],
	KindLeaveRoom:      decodeInto[LeaveRoom],
}

// InboundKinds lists every kind Decode accepts.
func InboundKinds() []Kind {
	return []Kind{KindJoinRoom, KindCodeChange, KindCursorChange, KindLanguageChange, KindLeaveRoom}
}

// Decode parses one inbound frame. Outbound-only kinds are rejected like
// unknown ones.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	return decode(env.Data)
}
