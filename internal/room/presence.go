package room

import "time"

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Participant struct {
	ID          string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastCursor  *Cursor   `json:"lastCursor,omitempty"`
}

type JoinResult struct {
	Admitted       bool
	AlreadyPresent bool
}

// Presence is the ordered participant set of one room plus its capacity
// policy. It does no locking and no broadcasting; callers serialize access.
type Presence struct {
	participants []Participant
	capacity     int
}

func NewPresence(capacity int) *Presence {
	capacity = max(capacity, 0)
	return &Presence{
		participants: make([]Participant, 0, capacity),
		capacity:     capacity,
	}
}

func (p *Presence) index(id string) int {
	for i := range p.participants {
		if p.participants[i].ID == id {
			return i
		}
	}
	return -1
}

// Join admits participant unless it is already present or the room is full.
func (p *Presence) Join(participant Participant) (JoinResult, error) {
	if p.index(participant.ID) >= 0 {
		return JoinResult{AlreadyPresent: true}, nil
	}
	if len(p.participants) >= p.capacity {
		return JoinResult{}, ErrCapacityExceeded
	}
	if participant.JoinedAt.IsZero() {
		participant.JoinedAt = time.Now().UTC()
	}
	participant.LastCursor = nil
	p.participants = append(p.participants, participant)
	return JoinResult{Admitted: true}, nil
}

func (p *Presence) Leave(id string) bool {
	i := p.index(id)
	if i < 0 {
		return false
	}
	p.participants = append(p.participants[:i], p.participants[i+1:]...)
	return true
}

func (p *Presence) Contains(id string) bool {
	return p.index(id) >= 0
}

func (p *Presence) SetCursor(id string, cursor Cursor) bool {
	i := p.index(id)
	if i < 0 {
		return false
	}
	c := cursor
	p.participants[i].LastCursor = &c
	return true
}

// List returns a copy in join order.
func (p *Presence) List() []Participant {
	out := make([]Participant, len(p.participants))
	for i, participant := range p.participants {
		if participant.LastCursor != nil {
			c := *participant.LastCursor
			participant.LastCursor = &c
		}
		out[i] = participant
	}
	return out
}

func (p *Presence) Len() int {
	return len(p.participants)
}

func (p *Presence) Capacity() int {
	return p.capacity
}
