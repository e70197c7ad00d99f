package db

import (
	"context"
	"sync"

	"github.com/manpreetbhatti/coderoom/internal/room"
)

// MemoryStore is a process-local repository for tests and single-node runs
// that do not need rooms to survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]room.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]room.Record)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (room.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rooms[key]
	if !ok {
		return room.Record{}, room.ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, rec room.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rooms[key]; ok && existing.Document.Revision > rec.Document.Revision {
		return nil
	}
	m.rooms[key] = rec
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, key)
	return nil
}

func (m *MemoryStore) Stats(_ context.Context) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{"stored_rooms": len(m.rooms), "backend": "memory"}, nil
}
