package models

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/Protocol-Lattice/go-memory/src/cache"
)

// CachedLLM wraps an LLM and caches Generate calls keyed by the full prompt
// and response format.
type CachedLLM struct {
	LLM      LLM
	Cache    *cache.LRUCache
	FilePath string
}

// NewCachedLLM creates a new CachedLLM wrapper. A non-empty filePath persists
// the cache between runs.
func NewCachedLLM(llm LLM, size int, ttl time.Duration, filePath string) *CachedLLM {
	c := &CachedLLM{
		LLM:      llm,
		Cache:    cache.NewLRUCache(size, ttl),
		FilePath: filePath,
	}
	if filePath != "" {
		c.load()
	}
	return c
}

func (c *CachedLLM) load() {
	f, err := os.Open(c.FilePath)
	if err != nil {
		return // missing file means a cold cache
	}
	defer f.Close()

	var dump map[string]cache.CacheEntry
	if err := json.NewDecoder(f).Decode(&dump); err == nil {
		c.Cache.Restore(dump)
	}
}

func (c *CachedLLM) save() {
	if c.FilePath == "" {
		return
	}
	dump := c.Cache.Dump()

	// Atomic write: write to temp, then rename
	tmp := c.FilePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return
	}
	if err := json.NewEncoder(f).Encode(dump); err != nil {
		f.Close()
		os.Remove(tmp)
		return
	}
	f.Close()
	os.Rename(tmp, c.FilePath)
}

// Generate checks the cache before calling the underlying model. Errors are
// never cached.
func (c *CachedLLM) Generate(ctx context.Context, messages []Message, format ResponseFormat) (string, error) {
	key := promptKey(messages, format)
	if val, ok := c.Cache.Get(key); ok {
		if s, ok := val.(string); ok {
			return s, nil
		}
	}

	res, err := c.LLM.Generate(ctx, messages, format)
	if err != nil {
		return "", err
	}
	c.Cache.Set(key, res)
	c.save()
	return res, nil
}

func promptKey(messages []Message, format ResponseFormat) string {
	var b strings.Builder
	b.WriteString(format.String())
	for _, m := range messages {
		b.WriteByte(0)
		b.WriteString(string(m.Role))
		b.WriteByte(0)
		b.WriteString(m.Content)
	}
	return cache.HashKey(b.String())
}

var _ LLM = (*CachedLLM)(nil)
