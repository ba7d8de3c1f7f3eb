package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[string][]Entry
	ids    *idSource
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Entry), ids: newIDSource()}
}

func (s *MemoryStore) Append(_ context.Context, entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := time.Now().UTC()
	for _, e := range entries {
		e = s.ids.prepare(e, now)
		s.rows[e.MemoryID] = append(s.rows[e.MemoryID], e)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, memoryID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows := s.rows[memoryID]
	out := make([]Entry, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
