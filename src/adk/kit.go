// Package adk assembles a ready-to-use memory from configuration. It is the
// dependency injection container for the embedder, vector store, history
// log, language model, semantic cache and event publisher.
package adk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/Protocol-Lattice/go-memory/src/cache"
	"github.com/Protocol-Lattice/go-memory/src/config"
	"github.com/Protocol-Lattice/go-memory/src/events"
	"github.com/Protocol-Lattice/go-memory/src/logger"
	"github.com/Protocol-Lattice/go-memory/src/memory"
	"github.com/Protocol-Lattice/go-memory/src/memory/embed"
	"github.com/Protocol-Lattice/go-memory/src/memory/engine"
	"github.com/Protocol-Lattice/go-memory/src/memory/history"
	"github.com/Protocol-Lattice/go-memory/src/memory/store"
	"github.com/Protocol-Lattice/go-memory/src/models"
)

// Kit holds every component built from a config.Config. Components supplied
// through options are used as-is; the rest are built from the config.
type Kit struct {
	mu     sync.Mutex
	cfg    *config.Config
	logger *slog.Logger

	embedder  embed.Embedder
	store     store.VectorStore
	history   history.Store
	llm       models.LLM
	backend   cache.Backend
	publisher events.Publisher

	engine *engine.Engine
	sc     *cache.SemanticCache
	mem    *memory.Memory
	closed bool
}

// New builds the kit. On error every component built so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Kit, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	kit := &Kit{cfg: cfg}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(kit); err != nil {
			return nil, err
		}
	}
	if kit.logger == nil {
		kit.logger = loggerFromConfig(cfg.Log)
	}

	if err := kit.bootstrap(ctx); err != nil {
		_ = kit.releasePartial()
		return nil, err
	}
	return kit, nil
}

func (k *Kit) bootstrap(ctx context.Context) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"embedder", k.provisionEmbedder},
		{"vector store", k.provisionVectorStore},
		{"history", k.provisionHistory},
		{"llm", k.provisionLLM},
		{"cache", k.provisionCache},
		{"events", k.provisionPublisher},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("kit %s: %w", step.name, err)
		}
	}

	ec := k.cfg.Engine
	k.engine = engine.NewEngine(k.store, engine.Options{
		RetrievalLimit: ec.RetrievalLimit,
		ParallelApply:  ec.ParallelApply,
		ApplyTimeout:   ec.ApplyTimeout,
		MaxParallel:    ec.MaxParallel,
	}).
		WithLLM(k.llm).
		WithEmbedder(k.embedder).
		WithHistory(k.history).
		WithPublisher(k.publisher).
		WithLogger(k.logger.With("component", "engine"))

	if k.backend != nil {
		cc := k.cfg.Cache
		k.sc = cache.NewSemanticCache(k.backend, k.embedder, cache.Options{
			Threshold:  cc.Threshold,
			MaxEntries: cc.MaxEntries,
			KeyPrefix:  cc.KeyPrefix,
		}).WithLogger(k.logger.With("component", "cache"))
	}

	k.mem = memory.New(k.engine, k.sc,
		memory.WithLogger(k.logger),
		memory.WithCacheTTL(k.cfg.Cache.TTL),
		memory.WithClosers(k.auxClosers()...),
	)
	k.logger.Debug("memory kit ready",
		"vector_store", k.cfg.VectorStore.Provider,
		"history", k.cfg.History.Provider,
		"llm", k.cfg.LLM.Provider,
		"cache", k.sc != nil,
	)
	return nil
}

// Config returns the configuration the kit was built from.
func (k *Kit) Config() *config.Config { return k.cfg }

func (k *Kit) Logger() *slog.Logger { return k.logger }

func (k *Kit) Embedder() embed.Embedder { return k.embedder }

func (k *Kit) VectorStore() store.VectorStore { return k.store }

func (k *Kit) History() history.Store { return k.history }

// LLM returns the configured model, or nil when inference is disabled.
func (k *Kit) LLM() models.LLM { return k.llm }

func (k *Kit) Publisher() events.Publisher { return k.publisher }

func (k *Kit) Engine() *engine.Engine { return k.engine }

// SemanticCache returns nil when caching is disabled.
func (k *Kit) SemanticCache() *cache.SemanticCache { return k.sc }

// Memory returns the facade over every component. Closing it releases the
// whole kit.
func (k *Kit) Memory() *memory.Memory { return k.mem }

// PrunePolicy returns the configured default pruning policy.
func (k *Kit) PrunePolicy() engine.PrunePolicy {
	p := k.cfg.Prune
	return engine.PrunePolicy{
		MaxAgeDays:          p.MaxAgeDays,
		SimilarityThreshold: p.SimilarityThreshold,
		MinContentLength:    p.MinContentLength,
		MaxRemovalFraction:  p.MaxRemovalFraction,
	}
}

// Close releases every component. It is idempotent.
func (k *Kit) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.mem.Close()
}

// auxClosers lists what memory.Memory does not close on its own.
func (k *Kit) auxClosers() []io.Closer {
	var out []io.Closer
	if k.history != nil {
		out = append(out, k.history)
	}
	if k.publisher != nil {
		out = append(out, k.publisher)
	}
	if c, ok := k.llm.(io.Closer); ok {
		out = append(out, c)
	}
	emb := k.embedder
	out = append(out, closerFunc(func() error { return embed.Close(emb) }))
	return out
}

// releasePartial closes whatever bootstrap managed to build before failing.
func (k *Kit) releasePartial() error {
	var errs []error
	if k.store != nil {
		errs = append(errs, k.store.Close())
	}
	if k.backend != nil {
		errs = append(errs, k.backend.Close())
	}
	for _, c := range k.auxClosers() {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func loggerFromConfig(lc config.LogConfig) *slog.Logger {
	return logger.New(
		logger.WithDebug(logger.ParseLevel(lc.Level)),
		logger.WithPretty(lc.Pretty),
		logger.WithJSON(lc.JSON),
		logger.WithWriter(os.Stderr),
	)
}
