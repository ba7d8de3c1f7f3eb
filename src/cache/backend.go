package cache

import (
	"context"
	"time"
)

// Backend is the key-value store behind SemanticCache. A ttl <= 0 stores the
// value without expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists keys that start with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// MemoryBackend keeps entries in an LRUCache. Suitable for a single process.
type MemoryBackend struct {
	lru *LRUCache
}

// NewMemoryBackend holds up to capacity keys; the least recently used key is
// dropped beyond that.
func NewMemoryBackend(capacity int) *MemoryBackend {
	return &MemoryBackend{lru: NewLRUCache(capacity, 0)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	return append([]byte(nil), b...), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.lru.SetWithTTL(key, append([]byte(nil), value...), ttl)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.lru.Delete(k)
	}
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	return m.lru.Keys(prefix), nil
}

func (m *MemoryBackend) Close() error {
	m.lru.Clear()
	return nil
}

// Len reports the number of stored keys, expired ones included.
func (m *MemoryBackend) Len() int { return m.lru.Len() }

var _ Backend = (*MemoryBackend)(nil)
