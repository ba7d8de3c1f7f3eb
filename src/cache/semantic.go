package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Protocol-Lattice/go-memory/src/logger"
	"github.com/Protocol-Lattice/go-memory/src/memory/embed"
	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

const lockStripes = 64

// Answer is a cached retrieval result. Confidence is the similarity of the
// query that produced the hit, not of the query that stored it.
type Answer struct {
	ID             string          `json:"id"`
	Query          string          `json:"query"`
	Scope          model.Scope     `json:"scope"`
	QueryEmbedding []float32       `json:"query_embedding"`
	Result         json.RawMessage `json:"result"`
	Synthesis      string          `json:"synthesis,omitempty"`
	Confidence     float64         `json:"confidence"`
	CreatedAt      time.Time       `json:"created_at"`
	TTL            time.Duration   `json:"ttl"`
}

// Expired reports whether the answer is past its TTL at now. A TTL <= 0 is
// always expired.
func (a *Answer) Expired(now time.Time) bool {
	return a.TTL <= 0 || !now.Before(a.CreatedAt.Add(a.TTL))
}

// DecodeResult unmarshals the cached result payload into v.
func (a *Answer) DecodeResult(v any) error {
	return json.Unmarshal(a.Result, v)
}

// Options tunes SemanticCache.
type Options struct {
	// Threshold is the minimum cosine similarity for a hit.
	Threshold float64
	// MaxEntries bounds each scope's index; the oldest entries are evicted.
	MaxEntries int
	// KeyPrefix namespaces backend keys.
	KeyPrefix string
}

func DefaultOptions() Options {
	return Options{Threshold: 0.85, MaxEntries: 10000, KeyPrefix: "semcache"}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Threshold <= 0 {
		o.Threshold = def.Threshold
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = def.MaxEntries
	}
	if strings.TrimSpace(o.KeyPrefix) == "" {
		o.KeyPrefix = def.KeyPrefix
	}
	return o
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Stores      int64 `json:"stores"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Errors      int64 `json:"errors"`
}

// CacheError describes an internal fault. It is logged and counted, never
// returned from Lookup or Store.
type CacheError struct {
	Op    string
	Scope string
	Err   error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("semantic cache %s [%s]: %v", e.Op, e.Scope, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

type indexEntry struct {
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SemanticCache answers queries that are similar in meaning to a recent
// query of the same scope. Each scope owns one index of query embeddings;
// full answers live under their own keys.
type SemanticCache struct {
	backend  Backend
	embedder embed.Embedder
	opts     Options
	logger   *slog.Logger
	clock    func() time.Time
	locks    [lockStripes]sync.Mutex

	hits, misses, stores, evictions, expirations, errors atomic.Int64
}

func NewSemanticCache(backend Backend, embedder embed.Embedder, opts Options) *SemanticCache {
	if backend == nil {
		backend = NewMemoryBackend(opts.withDefaults().MaxEntries * 4)
	}
	return &SemanticCache{
		backend:  backend,
		embedder: embedder,
		opts:     opts.withDefaults(),
		logger:   logger.Nop(),
		clock:    time.Now,
	}
}

func (c *SemanticCache) WithLogger(l *slog.Logger) *SemanticCache {
	c.logger = logger.OrNop(l)
	return c
}

// WithClock overrides the time source.
func (c *SemanticCache) WithClock(fn func() time.Time) *SemanticCache {
	if fn != nil {
		c.clock = fn
	}
	return c
}

func (c *SemanticCache) Options() Options { return c.opts }

// Lookup returns the cached answer whose query is most similar to query,
// provided the similarity reaches the threshold and the entry is live. Any
// internal failure is a miss.
func (c *SemanticCache) Lookup(ctx context.Context, query string, scope model.Scope) (*Answer, bool) {
	if err := scope.Validate(); err != nil {
		c.fault("lookup", scope, err)
		return c.miss()
	}
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.fault("embed", scope, err)
		return c.miss()
	}
	idx, err := c.loadIndex(ctx, scope)
	if err != nil {
		c.fault("load index", scope, err)
		return c.miss()
	}
	if len(idx) == 0 {
		return c.miss()
	}

	candidates := make(map[string][]float32, len(idx))
	for id, e := range idx {
		candidates[id] = e.Embedding
	}
	id, sim, ok := model.BestMatch(vec, candidates)
	if !ok || sim < c.opts.Threshold {
		return c.miss()
	}

	now := c.clock()
	if e := idx[id]; !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt) {
		c.expire(ctx, scope, id)
		return c.miss()
	}
	raw, found, err := c.backend.Get(ctx, c.answerKey(scope, id))
	if err != nil {
		c.fault("load answer", scope, err)
		return c.miss()
	}
	if !found {
		// The backend dropped the answer on its own TTL.
		c.expire(ctx, scope, id)
		return c.miss()
	}
	var ans Answer
	if err := json.Unmarshal(raw, &ans); err != nil {
		c.fault("decode answer", scope, err)
		return c.miss()
	}
	if ans.Expired(now) {
		c.expire(ctx, scope, id)
		return c.miss()
	}

	ans.Confidence = sim
	c.hits.Add(1)
	c.logger.Debug("semantic cache hit", "scope", scope.Key(), "similarity", sim, "query", query)
	return &ans, true
}

// Store caches result for query. The answer is written before it is indexed
// so a concurrent Lookup never sees a partial entry. A ttl <= 0 is never
// served: it is not stored and any answer cached earlier for the same query
// is dropped.
func (c *SemanticCache) Store(ctx context.Context, query string, scope model.Scope, result any, synthesis string, ttl time.Duration) {
	if err := scope.Validate(); err != nil {
		c.fault("store", scope, err)
		return
	}
	if ttl <= 0 {
		c.logger.Debug("semantic cache skipping non-positive ttl", "scope", scope.Key())
		c.remove(ctx, scope, QueryHash(query, scope))
		return
	}
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.fault("embed", scope, err)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		c.fault("encode result", scope, err)
		return
	}

	now := c.clock().UTC()
	id := QueryHash(query, scope)
	ans := Answer{
		ID:             id,
		Query:          query,
		Scope:          scope,
		QueryEmbedding: vec,
		Result:         payload,
		Synthesis:      synthesis,
		CreatedAt:      now,
		TTL:            ttl,
	}
	raw, err := json.Marshal(ans)
	if err != nil {
		c.fault("encode answer", scope, err)
		return
	}
	if err := c.backend.Set(ctx, c.answerKey(scope, id), raw, ttl); err != nil {
		c.fault("write answer", scope, err)
		return
	}

	mu := c.lockFor(scope)
	mu.Lock()
	defer mu.Unlock()

	idx, err := c.loadIndex(ctx, scope)
	if err != nil {
		c.fault("load index", scope, err)
		return
	}
	idx[id] = indexEntry{Query: query, Embedding: vec, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	var drop []string
	for key, e := range idx {
		if !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt) {
			drop = append(drop, key)
			c.expirations.Add(1)
		}
	}
	for _, key := range drop {
		delete(idx, key)
	}
	evicted := evictOldest(idx, c.opts.MaxEntries)
	c.evictions.Add(int64(len(evicted)))
	drop = append(drop, evicted...)

	if err := c.saveIndex(ctx, scope, idx); err != nil {
		c.fault("write index", scope, err)
		return
	}
	if len(drop) > 0 {
		keys := make([]string, 0, len(drop))
		for _, key := range drop {
			keys = append(keys, c.answerKey(scope, key))
		}
		if err := c.backend.Delete(ctx, keys...); err != nil {
			c.fault("delete evicted", scope, err)
		}
	}
	c.stores.Add(1)
}

// Invalidate drops every cached answer of scope.
func (c *SemanticCache) Invalidate(ctx context.Context, scope model.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	mu := c.lockFor(scope)
	mu.Lock()
	defer mu.Unlock()

	keys, err := c.backend.Keys(ctx, c.answerPrefix(scope))
	if err != nil {
		c.fault("invalidate", scope, err)
		return &CacheError{Op: "invalidate", Scope: scope.Key(), Err: err}
	}
	keys = append(keys, c.indexKey(scope))
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.fault("invalidate", scope, err)
		return &CacheError{Op: "invalidate", Scope: scope.Key(), Err: err}
	}
	c.logger.Debug("semantic cache invalidated", "scope", scope.Key(), "keys", len(keys))
	return nil
}

// Len returns the number of indexed entries for scope.
func (c *SemanticCache) Len(ctx context.Context, scope model.Scope) int {
	idx, err := c.loadIndex(ctx, scope)
	if err != nil {
		return 0
	}
	return len(idx)
}

func (c *SemanticCache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Stores:      c.stores.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Errors:      c.errors.Load(),
	}
}

func (c *SemanticCache) Close() error {
	return c.backend.Close()
}

// QueryHash identifies a query within a scope: md5 of the scope key and the
// trimmed, lower-cased query.
func QueryHash(query string, scope model.Scope) string {
	sum := md5.Sum([]byte(scope.Key() + ":" + strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:])
}

func (c *SemanticCache) miss() (*Answer, bool) {
	c.misses.Add(1)
	return nil, false
}

func (c *SemanticCache) fault(op string, scope model.Scope, err error) {
	c.errors.Add(1)
	c.logger.Warn("semantic cache fault", "err", &CacheError{Op: op, Scope: scope.Key(), Err: err})
}

// expire removes one entry from the index and its answer.
func (c *SemanticCache) expire(ctx context.Context, scope model.Scope, id string) {
	c.expirations.Add(1)
	c.remove(ctx, scope, id)
}

// remove deletes one answer and its index entry.
func (c *SemanticCache) remove(ctx context.Context, scope model.Scope, id string) {
	mu := c.lockFor(scope)
	mu.Lock()
	defer mu.Unlock()

	idx, err := c.loadIndex(ctx, scope)
	if err != nil {
		c.fault("load index", scope, err)
		return
	}
	if _, ok := idx[id]; ok {
		delete(idx, id)
		if err := c.saveIndex(ctx, scope, idx); err != nil {
			c.fault("write index", scope, err)
		}
	}
	if err := c.backend.Delete(ctx, c.answerKey(scope, id)); err != nil {
		c.fault("delete answer", scope, err)
	}
}

func (c *SemanticCache) loadIndex(ctx context.Context, scope model.Scope) (map[string]indexEntry, error) {
	raw, found, err := c.backend.Get(ctx, c.indexKey(scope))
	if err != nil {
		return nil, err
	}
	idx := make(map[string]indexEntry)
	if !found || len(raw) == 0 {
		return idx, nil
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (c *SemanticCache) saveIndex(ctx context.Context, scope model.Scope, idx map[string]indexEntry) error {
	if len(idx) == 0 {
		return c.backend.Delete(ctx, c.indexKey(scope))
	}
	raw, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, c.indexKey(scope), raw, 0)
}

// evictOldest trims idx to max entries and returns the removed ids, oldest
// first.
func evictOldest(idx map[string]indexEntry, max int) []string {
	if len(idx) <= max {
		return nil
	}
	ids := make([]string, 0, len(idx))
	for id := range idx {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := idx[ids[i]], idx[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return ids[i] < ids[j]
	})
	evicted := ids[:len(idx)-max]
	for _, id := range evicted {
		delete(idx, id)
	}
	return evicted
}

func (c *SemanticCache) scopeID(scope model.Scope) string {
	sum := md5.Sum([]byte(scope.Key()))
	return hex.EncodeToString(sum[:])
}

func (c *SemanticCache) indexKey(scope model.Scope) string {
	return c.opts.KeyPrefix + ":index:" + c.scopeID(scope)
}

func (c *SemanticCache) answerPrefix(scope model.Scope) string {
	return c.opts.KeyPrefix + ":answer:" + c.scopeID(scope) + ":"
}

func (c *SemanticCache) answerKey(scope model.Scope, id string) string {
	return c.answerPrefix(scope) + id
}

func (c *SemanticCache) lockFor(scope model.Scope) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scope.Key()))
	return &c.locks[h.Sum32()%lockStripes]
}
