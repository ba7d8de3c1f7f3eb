package adk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Protocol-Lattice/go-memory/src/cache"
	"github.com/Protocol-Lattice/go-memory/src/events"
	"github.com/Protocol-Lattice/go-memory/src/memory/embed"
	"github.com/Protocol-Lattice/go-memory/src/memory/history"
	"github.com/Protocol-Lattice/go-memory/src/memory/store"
	"github.com/Protocol-Lattice/go-memory/src/models"
)

const dimensionSample = "dimension sample"

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func (k *Kit) provisionEmbedder(ctx context.Context) error {
	if k.embedder != nil {
		return nil
	}
	ec := k.cfg.Embedding
	if normalize(ec.Provider) == "" {
		k.embedder = embed.AutoEmbedder()
		return nil
	}
	e, err := embed.New(ctx, embed.Config{
		Provider: ec.Provider,
		Model:    ec.Model,
		APIKey:   ec.APIKey,
		BaseURL:  ec.BaseURL,
	})
	if err != nil {
		return err
	}
	k.embedder = e
	return nil
}

func (k *Kit) provisionVectorStore(ctx context.Context) error {
	if k.store == nil {
		vs, err := k.openVectorStore(ctx)
		if err != nil {
			return err
		}
		k.store = vs
	}
	if !k.cfg.VectorStore.CreateSchema {
		return nil
	}
	dims, err := k.dimensions(ctx)
	if err != nil {
		return err
	}
	return store.EnsureSchema(ctx, k.store, dims)
}

func (k *Kit) openVectorStore(ctx context.Context) (store.VectorStore, error) {
	vc := k.cfg.VectorStore
	switch normalize(vc.Provider) {
	case "", "memory", "inmemory":
		return store.NewInMemoryStore(), nil
	case "qdrant":
		return store.NewQdrantStore(vc.Target, vc.Collection, vc.APIKey), nil
	case "postgres", "pgvector":
		if vc.Target == "" {
			return nil, errors.New("vector_store.target must hold the postgres DSN")
		}
		return store.NewPostgresStore(ctx, vc.Target, vc.Collection)
	case "mongo", "mongodb":
		database := vc.Database
		if database == "" {
			database = "memory"
		}
		return store.NewMongoStore(ctx, vc.Target, database, vc.Collection)
	case "neo4j":
		return store.NewNeo4jStore(ctx, vc.Target, vc.Username, vc.Password, vc.Database)
	default:
		return nil, fmt.Errorf("unknown vector store provider: %s", vc.Provider)
	}
}

// dimensions prefers the configured size and otherwise asks the embedder.
func (k *Kit) dimensions(ctx context.Context) (int, error) {
	if d := k.cfg.Embedding.Dimensions; d > 0 {
		return d, nil
	}
	vec, err := k.embedder.Embed(ctx, dimensionSample)
	if err != nil {
		return 0, fmt.Errorf("measure embedding size: %w", err)
	}
	if len(vec) == 0 {
		return 0, embed.ErrEmptyEmbedding
	}
	return len(vec), nil
}

func (k *Kit) provisionHistory(ctx context.Context) error {
	if k.history != nil {
		return nil
	}
	hc := k.cfg.History
	switch normalize(hc.Provider) {
	case "", "memory":
		k.history = history.NewMemoryStore()
	case "sqlite":
		s, err := history.NewSQLiteStore(hc.SQLitePath)
		if err != nil {
			return err
		}
		k.history = s
	case "postgres":
		// Share the vector store pool when no separate DSN is configured.
		if pg, ok := k.store.(*store.PostgresStore); ok && hc.Postgres == "" {
			s, err := history.NewPostgresStoreFromPool(ctx, pg.DB, hc.Table)
			if err != nil {
				return err
			}
			k.history = s
			return nil
		}
		if hc.Postgres == "" {
			return errors.New("history.postgres must hold the postgres DSN")
		}
		s, err := history.NewPostgresStore(ctx, hc.Postgres, hc.Table)
		if err != nil {
			return err
		}
		k.history = s
	default:
		return fmt.Errorf("unknown history provider: %s", hc.Provider)
	}
	return nil
}

func (k *Kit) provisionLLM(ctx context.Context) error {
	if k.llm != nil {
		return nil
	}
	lc := k.cfg.LLM
	if p := normalize(lc.Provider); p == "" || p == "none" {
		k.logger.Debug("no llm configured; inference disabled")
		return nil
	}
	llm, err := models.NewLLMProvider(ctx, models.Config{
		Provider: lc.Provider,
		Model:    lc.Model,
		APIKey:   lc.APIKey,
		BaseURL:  lc.BaseURL,
	})
	if err != nil {
		return err
	}
	if lc.CacheSize > 0 {
		llm = models.NewCachedLLM(llm, lc.CacheSize, lc.CacheTTL, "")
	}
	k.llm = llm
	return nil
}

func (k *Kit) provisionCache(ctx context.Context) error {
	cc := k.cfg.Cache
	if k.backend != nil || !cc.Enabled {
		return nil
	}
	switch normalize(cc.Backend) {
	case "", "memory":
		maxEntries := cc.MaxEntries
		if maxEntries <= 0 {
			maxEntries = cache.DefaultOptions().MaxEntries
		}
		// One index key plus the answers of each scope share the LRU.
		k.backend = cache.NewMemoryBackend(maxEntries * 4)
	case "redis":
		var rb *cache.RedisBackend
		if cc.RedisURL == "" {
			rb = cache.NewRedisBackend("localhost:6379", "", 0)
		} else {
			var err error
			if rb, err = cache.NewRedisBackendFromURL(cc.RedisURL); err != nil {
				return err
			}
		}
		// The cache is fail-soft, so an unreachable redis only costs hits.
		if err := rb.Ping(ctx); err != nil {
			k.logger.Warn("redis cache backend unreachable", "err", err)
		}
		k.backend = rb
	default:
		return fmt.Errorf("unknown cache backend: %s", cc.Backend)
	}
	return nil
}

func (k *Kit) provisionPublisher(context.Context) error {
	if k.publisher != nil {
		return nil
	}
	ev := k.cfg.Events
	switch normalize(ev.Provider) {
	case "", "none":
		k.publisher = events.Nop{}
	case "kafka":
		p, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      ev.Brokers,
			Topic:        ev.Topic,
			BatchTimeout: ev.BatchTimeout,
		})
		if err != nil {
			return err
		}
		k.publisher = p.WithLogger(k.logger.With("component", "events"))
	default:
		return fmt.Errorf("unknown events provider: %s", ev.Provider)
	}
	return nil
}
