package protocol

import (
	"encoding/json"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/room"
)

// Event is the closed set of frames the broker delivers to gateways.
type Event interface {
	Kind() Kind
	event()
}

type UserJoined struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	RoomID      string `json:"roomId"`
}

type PresenceEntry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type Presence struct {
	RoomID string          `json:"roomId"`
	Users  []PresenceEntry `json:"users"`
}

type DocumentSync struct {
	Code     string        `json:"code"`
	Language room.Language `json:"language"`
	Revision uint64        `json:"revision"`
}

type CodeChanged struct {
	Code      string `json:"code"`
	Revision  uint64 `json:"revision"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type CursorMoved struct {
	UserID    string      `json:"userId"`
	Cursor    room.Cursor `json:"cursor"`
	Timestamp int64       `json:"timestamp"`
}

type LanguageChanged struct {
	Language  room.Language `json:"language"`
	Revision  uint64        `json:"revision"`
	UserID    string        `json:"userId"`
	Timestamp int64         `json:"timestamp"`
}

// Error is directed at the originating gateway only.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   Kind   `json:"event,omitempty"`
}

type RoomClosed struct {
	RoomID string `json:"roomId"`
}

func (UserJoined) Kind() Kind      { return KindUserJoined }
func (Presence) Kind() Kind        { return KindPresence }
func (DocumentSync) Kind() Kind    { return KindDocumentSync }
func (CodeChanged) Kind() Kind     { return KindCodeChange }
func (CursorMoved) Kind() Kind     { return KindCursorChange }
func (LanguageChanged) Kind() Kind { return KindLanguageChange }
func (Error) Kind() Kind           { return KindError }
func (RoomClosed) Kind() Kind      { return KindRoomClosed }

func (UserJoined) event()      {}
func (Presence) event()        {}
func (DocumentSync) event()    {}
func (CodeChanged) event()     {}
func (CursorMoved) event()     {}
func (LanguageChanged) event() {}
func (Error) event()           {}
func (RoomClosed) event()      {}

// Timestamp in milliseconds since the epoch, as the editor expects.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.Kind(), Data: data})
}
