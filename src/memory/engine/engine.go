// Package engine keeps the memory store consistent: it reconciles new facts
// against stored neighbors and prunes duplicate, low-value and expired
// records.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/Protocol-Lattice/go-memory/src/events"
	"github.com/Protocol-Lattice/go-memory/src/logger"
	"github.com/Protocol-Lattice/go-memory/src/memory/embed"
	"github.com/Protocol-Lattice/go-memory/src/memory/history"
	"github.com/Protocol-Lattice/go-memory/src/memory/model"
	"github.com/Protocol-Lattice/go-memory/src/memory/store"
	"github.com/Protocol-Lattice/go-memory/src/models"
)

// Engine is the only writer of memory records.
type Engine struct {
	store     store.VectorStore
	llm       models.LLM
	embedder  embed.Embedder
	history   history.Store
	publisher events.Publisher
	opts      Options
	metrics   *Metrics
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEngine constructs an engine on top of a VectorStore. The embedder
// defaults to embed.AutoEmbedder and history to an in-memory log.
func NewEngine(vs store.VectorStore, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:     vs,
		embedder:  embed.AutoEmbedder(),
		history:   history.NewMemoryStore(),
		publisher: events.Nop{},
		opts:      opts,
		metrics:   &Metrics{},
		logger:    logger.Nop(),
		clock:     opts.Clock,
	}
}

// WithLLM sets the model used for extraction and decisions.
func (e *Engine) WithLLM(llm models.LLM) *Engine {
	if llm != nil {
		e.llm = llm
	}
	return e
}

// WithEmbedder overrides the default embedder.
func (e *Engine) WithEmbedder(embedder embed.Embedder) *Engine {
	if embedder != nil {
		e.embedder = embedder
	}
	return e
}

// WithHistory overrides the default history store.
func (e *Engine) WithHistory(h history.Store) *Engine {
	if h != nil {
		e.history = h
	}
	return e
}

// WithPublisher sends every applied mutation to p.
func (e *Engine) WithPublisher(p events.Publisher) *Engine {
	if p != nil {
		e.publisher = p
	}
	return e
}

func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = logger.OrNop(l)
	return e
}

func (e *Engine) WithClock(fn func() time.Time) *Engine {
	if fn != nil {
		e.clock = fn
	}
	return e
}

// Store returns the underlying vector store.
func (e *Engine) Store() store.VectorStore { return e.store }

// Embedder returns the active embedder.
func (e *Engine) Embedder() embed.Embedder { return e.embedder }

// History returns the mutation log of one record in insertion order.
func (e *Engine) History(ctx context.Context, memoryID string) ([]history.Entry, error) {
	return e.history.List(ctx, memoryID)
}

// MetricsSnapshot returns a copy of the runtime counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	if len(vec) == 0 {
		return nil, &EmbeddingError{Err: embed.ErrEmptyEmbedding}
	}
	return vec, nil
}

// record appends the history row and publishes the event for one applied
// mutation. Both are best-effort once the store write succeeded.
func (e *Engine) record(ctx context.Context, res MutationResult, scope model.Scope, actor, source string) {
	// The store write is committed, so a deadline must not drop its audit row.
	ctx = context.WithoutCancel(ctx)
	entry := history.Entry{
		MemoryID:  res.ID,
		OldMemory: res.PreviousText,
		NewMemory: res.Text,
		Event:     string(res.Event),
		ActorID:   actor,
	}
	if res.Event == EventDelete {
		entry.NewMemory = ""
	}
	if err := e.history.Append(ctx, entry); err != nil {
		e.logger.Warn("history append failed", "memory_id", res.ID, "event", res.Event, "err", err)
	}
	ev := events.MutationEvent{
		Event:        string(res.Event),
		MemoryID:     res.ID,
		Scope:        scope,
		Text:         entry.NewMemory,
		PreviousText: res.PreviousText,
		Source:       source,
		OccurredAt:   e.clock().UTC(),
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish mutation event failed", "memory_id", res.ID, "event", res.Event, "err", err)
	}
}
