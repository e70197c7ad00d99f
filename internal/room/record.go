package room

import "time"

// Record is the persisted form of a room. Participants and cursors are
// ephemeral and never stored.
type Record struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	PasswordHash    []byte    `json:"passwordHash"`
	MaxParticipants int       `json:"maxParticipants"`
	IsPrivate       bool      `json:"isPrivate"`
	CreatedAt       time.Time `json:"createdAt"`
	Document        Document  `json:"document"`
}

func (r *Room) Record() Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Record{
		ID:              r.ID,
		Name:            r.Name,
		PasswordHash:    append([]byte(nil), r.passwordHash...),
		MaxParticipants: r.MaxParticipants,
		IsPrivate:       r.IsPrivate,
		CreatedAt:       r.CreatedAt,
		Document:        r.doc,
	}
}

// FromRecord rebuilds a live room from storage. It starts empty of
// participants and counts as already persisted at the stored revision.
func FromRecord(rec Record, opts ...Option) *Room {
	capacity := rec.MaxParticipants
	if capacity <= 0 {
		// a corrupt record still restores as a usable room
		capacity = 1
	}
	opts = append([]Option{WithDocument(rec.Document)}, opts...)
	r := New(rec.ID, rec.Name, rec.PasswordHash, capacity, rec.IsPrivate, opts...)
	if !rec.CreatedAt.IsZero() {
		r.CreatedAt = rec.CreatedAt
	}
	r.stored = true
	r.persisted = r.doc.Revision
	return r
}
