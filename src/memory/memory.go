// Package memory is the client facade over the consistency engine, the
// vector store and the semantic cache.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Protocol-Lattice/go-memory/src/cache"
	"github.com/Protocol-Lattice/go-memory/src/concurrent"
	"github.com/Protocol-Lattice/go-memory/src/logger"
	"github.com/Protocol-Lattice/go-memory/src/memory/engine"
	"github.com/Protocol-Lattice/go-memory/src/memory/history"
	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

// Re-exported so callers rarely need the sub-packages.
type (
	Scope         = model.Scope
	MemoryRecord  = model.MemoryRecord
	PrunePolicy   = engine.PrunePolicy
	PruningReport = engine.PruningReport
	HistoryEntry  = history.Entry
)

const (
	defaultSearchLimit = 5
	defaultCacheTTL    = time.Hour
)

// AddOptions controls a single Add call.
type AddOptions struct {
	// Infer runs fact extraction and reconciliation. When false the input is
	// stored verbatim as one record and the model is never called.
	Infer bool
	// Actor is recorded on the history rows of this call.
	Actor string
}

// SearchResult is the answer to Search. Cached answers carry the similarity
// of the query that matched them.
type SearchResult struct {
	Records    []model.MemoryRecord `json:"results"`
	Cached     bool                 `json:"cached"`
	Confidence float64              `json:"confidence,omitempty"`
}

// Stats combines engine and cache counters.
type Stats struct {
	Engine engine.MetricsSnapshot `json:"engine"`
	Cache  *cache.Stats           `json:"cache,omitempty"`
}

// cachedSearch is the payload kept in the semantic cache. Limit records how
// many results were requested so a wider search is never served from a
// narrower one.
type cachedSearch struct {
	Limit   int                  `json:"limit"`
	Records []model.MemoryRecord `json:"records"`
}

// Memory ties the engine to an optional semantic cache. All methods are safe
// for concurrent use.
type Memory struct {
	engine   *engine.Engine
	cache    *cache.SemanticCache
	cacheTTL time.Duration
	logger   *slog.Logger
	closers  []io.Closer
}

// Option configures a Memory.
type Option func(*Memory)

// WithLogger sets the logger; nil keeps the no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Memory) { m.logger = logger.OrNop(l) }
}

// WithCacheTTL sets how long cached search answers stay valid.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Memory) {
		if ttl > 0 {
			m.cacheTTL = ttl
		}
	}
}

// WithClosers registers resources released by Close after the store and cache.
func WithClosers(closers ...io.Closer) Option {
	return func(m *Memory) { m.closers = append(m.closers, closers...) }
}

// New wraps eng. sc may be nil to disable semantic caching.
func New(eng *engine.Engine, sc *cache.SemanticCache, opts ...Option) *Memory {
	m := &Memory{
		engine:   eng,
		cache:    sc,
		cacheTTL: defaultCacheTTL,
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Engine exposes the underlying engine.
func (m *Memory) Engine() *engine.Engine { return m.engine }

// Add stores input for scope. By default the input is reconciled against
// existing memories; pass AddOptions{Infer: false} to store it verbatim.
func (m *Memory) Add(ctx context.Context, input string, scope model.Scope, metadata map[string]any, opts ...AddOptions) (engine.ReconcileResult, error) {
	o := AddOptions{Infer: true}
	if len(opts) > 0 {
		o = opts[0]
	}
	var rc []engine.ReconcileOption
	if o.Actor != "" {
		rc = append(rc, engine.WithActor(o.Actor))
	}

	if !o.Infer {
		res, err := m.engine.Add(ctx, input, scope, metadata, rc...)
		if err != nil {
			return engine.ReconcileResult{}, err
		}
		m.invalidate(ctx, res.Scope)
		return engine.ReconcileResult{Applied: []engine.MutationResult{res}}, nil
	}

	result, err := m.engine.Reconcile(ctx, input, scope, metadata, rc...)
	seen := make(map[model.Scope]bool)
	for _, res := range result.Applied {
		if res.Event == engine.EventNone || seen[res.Scope] {
			continue
		}
		seen[res.Scope] = true
		m.invalidate(ctx, res.Scope)
	}
	return result, err
}

// Search returns the memories of scope most similar to query. A semantically
// equivalent recent query is answered from the cache.
func (m *Memory) Search(ctx context.Context, query string, scope model.Scope, limit int) (SearchResult, error) {
	if err := scope.Validate(); err != nil {
		return SearchResult{}, err
	}
	if strings.TrimSpace(query) == "" {
		return SearchResult{}, errors.New("search query is empty")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	if m.cache != nil {
		if ans, ok := m.cache.Lookup(ctx, query, scope); ok {
			var hit cachedSearch
			if err := ans.DecodeResult(&hit); err != nil {
				m.logger.Warn("discarding undecodable cached search", "scope", scope.Key(), "err", err)
			} else if hit.Limit >= limit {
				if len(hit.Records) > limit {
					hit.Records = hit.Records[:limit]
				}
				return SearchResult{Records: hit.Records, Cached: true, Confidence: ans.Confidence}, nil
			}
		}
	}

	vec, err := m.engine.Embedder().Embed(ctx, query)
	if err != nil {
		return SearchResult{}, &engine.EmbeddingError{Err: err}
	}
	if len(vec) == 0 {
		return SearchResult{}, &engine.EmbeddingError{Err: errors.New("empty query embedding")}
	}
	found, err := m.engine.Store().Search(ctx, vec, scope, limit)
	if err != nil {
		return SearchResult{}, &engine.VectorStoreError{Op: "search", Err: err}
	}
	records := make([]model.MemoryRecord, 0, len(found))
	for _, rec := range found {
		if !scope.Matches(rec.Scope) {
			continue
		}
		rec.Embedding = nil
		records = append(records, rec)
	}

	if m.cache != nil {
		m.cache.Store(ctx, query, scope, cachedSearch{Limit: limit, Records: records}, "", m.cacheTTL)
	}
	return SearchResult{Records: records}, nil
}

// Get returns one record by id.
func (m *Memory) Get(ctx context.Context, id string) (model.MemoryRecord, error) {
	return m.engine.Store().Get(ctx, id)
}

// GetAll lists the records of scope oldest first. limit <= 0 returns all.
func (m *Memory) GetAll(ctx context.Context, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	records, err := m.engine.Store().List(ctx, scope, limit)
	if err != nil {
		return nil, &engine.VectorStoreError{Op: "list", Err: err}
	}
	return records, nil
}

// Update replaces the text of one record.
func (m *Memory) Update(ctx context.Context, id, text string, opts ...engine.ReconcileOption) (engine.MutationResult, error) {
	res, err := m.engine.Update(ctx, id, text, opts...)
	if err != nil {
		return res, err
	}
	m.invalidate(ctx, res.Scope)
	return res, nil
}

// Delete removes one record. A missing id yields a NONE result.
func (m *Memory) Delete(ctx context.Context, id string, opts ...engine.ReconcileOption) (engine.MutationResult, error) {
	res, err := m.engine.Delete(ctx, id, opts...)
	if err != nil {
		return res, err
	}
	if res.Event == engine.EventDelete {
		m.invalidate(ctx, res.Scope)
	}
	return res, nil
}

// DeleteAll removes every record of scope and returns how many were removed.
func (m *Memory) DeleteAll(ctx context.Context, scope model.Scope, opts ...engine.ReconcileOption) (int, error) {
	n, err := m.engine.DeleteAll(ctx, scope, opts...)
	if err != nil {
		return n, err
	}
	m.invalidate(ctx, scope)
	return n, nil
}

// History returns the audit rows of one memory in insertion order.
func (m *Memory) History(ctx context.Context, id string) ([]history.Entry, error) {
	return m.engine.History(ctx, id)
}

// Prune removes duplicate, low-value and expired memories of scope.
func (m *Memory) Prune(ctx context.Context, scope model.Scope, policy engine.PrunePolicy) (engine.PruningReport, error) {
	report, err := m.engine.Prune(ctx, scope, policy)
	if err == nil && !report.DryRun && report.Removed() > 0 {
		m.invalidate(ctx, scope)
	}
	return report, err
}

// InvalidateCache drops the cached answers of scope. It is a no-op without a
// cache.
func (m *Memory) InvalidateCache(ctx context.Context, scope model.Scope) error {
	if m.cache == nil {
		return scope.Validate()
	}
	return m.cache.Invalidate(ctx, scope)
}

func (m *Memory) Stats() Stats {
	s := Stats{Engine: m.engine.MetricsSnapshot()}
	if m.cache != nil {
		cs := m.cache.Stats()
		s.Cache = &cs
	}
	return s
}

// Close releases the cache backend, the vector store and any registered
// closers. Every resource is closed even when an earlier one fails.
func (m *Memory) Close() error {
	var errs []error
	if m.cache != nil {
		errs = append(errs, m.cache.Close())
	}
	errs = append(errs, m.engine.Store().Close())
	for _, c := range m.closers {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// invalidate drops cached answers for every filter that could have returned
// a record of scope. Failures are logged; the write already succeeded.
func (m *Memory) invalidate(ctx context.Context, scope model.Scope) {
	if m.cache == nil || scope.IsEmpty() {
		return
	}
	filters := scope.Filters()
	_, err := concurrent.ParallelMap(ctx, filters, func(ctx context.Context, f model.Scope) (struct{}, error) {
		if err := m.cache.Invalidate(ctx, f); err != nil {
			return struct{}{}, fmt.Errorf("invalidate %s: %w", f.Key(), err)
		}
		return struct{}{}, nil
	}, len(filters))
	if err != nil {
		m.logger.Warn("cache invalidation failed", "scope", scope.Key(), "err", err)
	}
}
