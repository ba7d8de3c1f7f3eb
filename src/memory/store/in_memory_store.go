package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

// InMemoryStore keeps records in process memory. Useful for tests and
// single-process deployments.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.MemoryRecord
	order   []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]model.MemoryRecord)}
}

func (s *InMemoryStore) Insert(_ context.Context, records []model.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if _, exists := s.records[rec.ID]; !exists {
			s.order = append(s.order, rec.ID)
		}
		s.records[rec.ID] = rec.Clone()
	}
	return nil
}

func (s *InMemoryStore) Search(_ context.Context, query []float32, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]model.MemoryRecord, 0)
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok || !scope.Matches(rec.Scope) {
			continue
		}
		cp := rec.Clone()
		cp.Score = model.CosineSimilarity(query, rec.Embedding)
		results = append(results, cp)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (model.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return model.MemoryRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) Update(_ context.Context, record model.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; !ok {
		return ErrNotFound
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			drop[id] = struct{}{}
		}
	}
	if len(drop) > 0 {
		s.compact(drop)
	}
	return nil
}

// List returns records in insertion order.
func (s *InMemoryStore) List(_ context.Context, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MemoryRecord, 0)
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok || !scope.Matches(rec.Scope) {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteAll(_ context.Context, scope model.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]struct{})
	for id, rec := range s.records {
		if scope.Matches(rec.Scope) {
			delete(s.records, id)
			drop[id] = struct{}{}
		}
	}
	if len(drop) > 0 {
		s.compact(drop)
	}
	return nil
}

// Count returns the total number of records across all scopes.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) compact(drop map[string]struct{}) {
	kept := s.order[:0]
	for _, id := range s.order {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

var _ VectorStore = (*InMemoryStore)(nil)
