package room

import (
	"sync"
	"time"
)

// Lifecycle of a room as the broker sees it
type State int

const (
	StateCreated State = iota
	StateActive
	StateEmpty
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateEmpty:
		return "empty"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// A password protected collaborative editing session
type Room struct {
	ID              string
	Name            string
	MaxParticipants int
	IsPrivate       bool
	CreatedAt       time.Time

	passwordHash []byte
	strategy     EditStrategy

	mu        sync.RWMutex
	presence  *Presence
	doc       Document
	state     State
	persisted uint64
	stored    bool
}

type Option func(*Room)

func WithStrategy(s EditStrategy) Option {
	return func(r *Room) {
		if s != nil {
			r.strategy = s
		}
	}
}

func WithDocument(doc Document) Option {
	return func(r *Room) {
		if !doc.Language.Valid() {
			doc.Language = DefaultLanguage
		}
		r.doc = doc
	}
}

// Creates a room holding an already hashed password
func New(id, name string, passwordHash []byte, maxParticipants int, isPrivate bool, opts ...Option) *Room {
	r := &Room{
		ID:              id,
		Name:            name,
		MaxParticipants: maxParticipants,
		IsPrivate:       isPrivate,
		CreatedAt:       time.Now().UTC(),
		passwordHash:    append([]byte(nil), passwordHash...),
		strategy:        LastWriteWins{},
		presence:        NewPresence(maxParticipants),
		doc:             NewDocument(),
		state:           StateCreated,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PasswordHash is for credential checks inside the registry only.
func (r *Room) PasswordHash() []byte {
	return append([]byte(nil), r.passwordHash...)
}

func (r *Room) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Room) MarkDeleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateDeleted
}

func (r *Room) Join(p Participant) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateDeleted {
		return JoinResult{}, ErrRoomDeleted
	}
	if p.ID == "" {
		return JoinResult{}, NewValidationError(ReasonMissingUser, "")
	}

	res, err := r.presence.Join(p)
	if err != nil {
		return res, err
	}
	if res.Admitted {
		r.state = StateActive
	}
	return res, nil
}

// Removes the participant; the document is kept when the room empties
func (r *Room) Leave(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.presence.Leave(participantID) {
		return false
	}
	if r.presence.Len() == 0 && r.state == StateActive {
		r.state = StateEmpty
	}
	return true
}

func (r *Room) HasParticipant(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presence.Contains(id)
}

func (r *Room) Participants() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presence.List()
}

func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presence.Len()
}

func (r *Room) Document() Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc
}

// ApplyEdit merges code into the document and bumps the revision by one.
func (r *Room) ApplyEdit(code string) (Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateDeleted {
		return r.doc, ErrRoomDeleted
	}
	merged, err := r.strategy.Merge(r.doc.Code, code)
	if err != nil {
		return r.doc, err
	}
	r.doc.Code = merged
	r.doc.Revision++
	return r.doc, nil
}

func (r *Room) SetLanguage(lang Language) (Document, error) {
	if !lang.Valid() {
		return r.Document(), NewValidationError(ReasonUnknownLanguage, string(lang))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateDeleted {
		return r.doc, ErrRoomDeleted
	}
	r.doc.Language = lang
	r.doc.Revision++
	return r.doc, nil
}

// Cursor moves are remembered for presence listings but never touch the document
func (r *Room) SetCursor(participantID string, cursor Cursor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.SetCursor(participantID, cursor)
}

// Dirty reports whether the document changed since the last MarkPersisted,
// or whether the room was never stored at all.
func (r *Room) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.stored || r.doc.Revision != r.persisted
}

func (r *Room) MarkPersisted(revision uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = true
	if revision > r.persisted {
		r.persisted = revision
	}
}
