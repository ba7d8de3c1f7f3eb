package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// CacheEntry holds a cached value with expiration. A zero ExpiresAt never
// expires.
type CacheEntry struct {
	Value     any
	ExpiresAt time.Time
}

func (e CacheEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// LRUCache is a thread-safe LRU cache with TTL support
type LRUCache struct {
	mu       sync.RWMutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	lru      *list.List
	now      func() time.Time
}

type entry struct {
	key   string
	value CacheEntry
}

// NewLRUCache creates a new LRU cache with the given capacity and default
// TTL. A ttl <= 0 keeps entries until they are evicted.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get retrieves a value from the cache
func (c *LRUCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*entry)
	if ent.value.expired(c.now()) {
		c.removeElement(elem)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return ent.value.Value, true
}

// Set adds or updates a value using the cache's default TTL.
func (c *LRUCache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL adds or updates a value that expires after ttl. A ttl <= 0
// never expires.
func (c *LRUCache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	val := CacheEntry{Value: value, ExpiresAt: expiresAt}

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*entry).value = val
		return
	}
	elem := c.lru.PushFront(&entry{key: key, value: val})
	c.items[key] = elem
	c.evictOverflow()
}

// Delete removes key and reports whether it was present.
func (c *LRUCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if ok {
		c.removeElement(elem)
	}
	return ok
}

// Keys returns the live keys starting with prefix, most recently used first.
func (c *LRUCache) Keys(prefix string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make([]string, 0)
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		ent := elem.Value.(*entry)
		if ent.value.expired(now) || !strings.HasPrefix(ent.key, prefix) {
			continue
		}
		out = append(out, ent.key)
	}
	return out
}

// Clear removes all entries from the cache
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.capacity)
	c.lru.Init()
}

// Len returns the number of items in the cache
func (c *LRUCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// HashKey creates a cache key from a prompt string
func HashKey(prompt string) string {
	h := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(h[:])
}

// Dump returns the live entries for persistence.
func (c *LRUCache) Dump() map[string]CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	dump := make(map[string]CacheEntry, len(c.items))
	for k, elem := range c.items {
		if v := elem.Value.(*entry).value; !v.expired(now) {
			dump[k] = v
		}
	}
	return dump
}

// Restore populates the cache from a map of entries, skipping expired ones.
func (c *LRUCache) Restore(dump map[string]CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Init()
	c.items = make(map[string]*list.Element, c.capacity)

	now := c.now()
	for k, v := range dump {
		if v.expired(now) {
			continue
		}
		c.items[k] = c.lru.PushFront(&entry{key: k, value: v})
	}
	c.evictOverflow()
}

func (c *LRUCache) evictOverflow() {
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		c.removeElement(oldest)
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
