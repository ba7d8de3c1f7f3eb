package adk_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-memory/src/adk"
	"github.com/Protocol-Lattice/go-memory/src/config"
	"github.com/Protocol-Lattice/go-memory/src/events"
	"github.com/Protocol-Lattice/go-memory/src/logger"
	"github.com/Protocol-Lattice/go-memory/src/memory"
	"github.com/Protocol-Lattice/go-memory/src/memory/engine"
	"github.com/Protocol-Lattice/go-memory/src/memory/history"
	"github.com/Protocol-Lattice/go-memory/src/memory/store"
	"github.com/Protocol-Lattice/go-memory/src/models"
)

var alice = memory.Scope{UserID: "alice"}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LLM.Provider = "scripted"
	cfg.Embedding.Provider = "dummy"
	cfg.History.Provider = "memory"
	return cfg
}

func newKit(t *testing.T, cfg *config.Config, opts ...adk.Option) *adk.Kit {
	t.Helper()
	opts = append([]adk.Option{adk.WithLogger(logger.Nop())}, opts...)
	kit, err := adk.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kit.Close() })
	return kit
}

func TestKitBuildsInMemoryStack(t *testing.T) {
	kit := newKit(t, testConfig())

	assert.IsType(t, &store.InMemoryStore{}, kit.VectorStore())
	assert.IsType(t, &history.MemoryStore{}, kit.History())
	assert.IsType(t, &models.ScriptedLLM{}, kit.LLM())
	assert.Equal(t, events.Nop{}, kit.Publisher())
	require.NotNil(t, kit.SemanticCache())
	assert.InDelta(t, 0.85, kit.SemanticCache().Options().Threshold, 1e-9)

	ctx := context.Background()
	mem := kit.Memory()
	_, err := mem.Add(ctx, "Collects vinyl records", alice, nil, memory.AddOptions{})
	require.NoError(t, err)

	first, err := mem.Search(ctx, "music hobby", alice, 5)
	require.NoError(t, err)
	require.Len(t, first.Records, 1)
	second, err := mem.Search(ctx, "music hobby", alice, 5)
	require.NoError(t, err)
	assert.True(t, second.Cached)
}

func TestKitReconcilesWithInjectedComponents(t *testing.T) {
	llm := models.NewScriptedLLM(
		`{"facts": ["Runs marathons"]}`,
		`{"memory": [{"event": "ADD", "text": "Runs marathons"}]}`,
	)
	rec := events.NewRecorder()
	kit := newKit(t, testConfig(), adk.WithLLM(llm), adk.WithPublisher(rec))

	res, err := kit.Memory().Add(context.Background(), "I run marathons every spring", alice, nil)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, "ADD", evs[0].Event)
	assert.Equal(t, "Runs marathons", evs[0].Text)
	assert.Equal(t, alice, evs[0].Scope)
}

func TestKitSQLiteHistory(t *testing.T) {
	cfg := testConfig()
	cfg.History.Provider = "sqlite"
	cfg.History.SQLitePath = filepath.Join(t.TempDir(), "nested", "history.db")
	kit := newKit(t, cfg)
	require.IsType(t, &history.SQLiteStore{}, kit.History())

	ctx := context.Background()
	res, err := kit.Memory().Add(ctx, "Owns a bicycle", alice, nil, memory.AddOptions{})
	require.NoError(t, err)

	rows, err := kit.Memory().History(ctx, res.Applied[0].ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, history.EventAdd, rows[0].Event)
}

func TestKitOptionalComponents(t *testing.T) {
	t.Run("cache disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Cache.Enabled = false
		kit := newKit(t, cfg)
		assert.Nil(t, kit.SemanticCache())
		assert.Nil(t, kit.Memory().Stats().Cache)
	})

	t.Run("llm response cache", func(t *testing.T) {
		cfg := testConfig()
		cfg.LLM.CacheSize = 16
		kit := newKit(t, cfg)
		assert.IsType(t, &models.CachedLLM{}, kit.LLM())
	})

	t.Run("no llm", func(t *testing.T) {
		cfg := testConfig()
		cfg.LLM.Provider = "none"
		kit := newKit(t, cfg)
		assert.Nil(t, kit.LLM())

		_, err := kit.Memory().Add(context.Background(), "Plays chess", alice, nil)
		require.ErrorIs(t, err, engine.ErrNoLLM)
	})
}

func TestKitRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"vector store", func(c *config.Config) { c.VectorStore.Provider = "cassandra" }},
		{"postgres without dsn", func(c *config.Config) { c.VectorStore.Provider = "postgres" }},
		{"history", func(c *config.Config) { c.History.Provider = "mysql" }},
		{"postgres history without dsn", func(c *config.Config) { c.History.Provider = "postgres" }},
		{"llm", func(c *config.Config) { c.LLM.Provider = "mystery" }},
		{"embedder", func(c *config.Config) { c.Embedding.Provider = "mystery" }},
		{"cache backend", func(c *config.Config) { c.Cache.Backend = "memcached" }},
		{"events", func(c *config.Config) { c.Events.Provider = "nats" }},
		{"kafka without brokers", func(c *config.Config) { c.Events.Provider = "kafka" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := adk.New(context.Background(), cfg, adk.WithLogger(logger.Nop()))
			require.Error(t, err)
		})
	}
}

func TestKitRejectsNilOverrides(t *testing.T) {
	for name, opt := range map[string]adk.Option{
		"embedder":     adk.WithEmbedder(nil),
		"vector store": adk.WithVectorStore(nil),
		"history":      adk.WithHistory(nil),
		"llm":          adk.WithLLM(nil),
		"cache":        adk.WithCacheBackend(nil),
		"publisher":    adk.WithPublisher(nil),
	} {
		_, err := adk.New(context.Background(), testConfig(), opt)
		assert.Error(t, err, name)
	}
}

func TestKitCreatesQdrantSchema(t *testing.T) {
	var (
		mu    sync.Mutex
		size  float64
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPut && r.URL.Path == "/collections/memories" {
			var body struct {
				Vectors struct {
					Size float64 `json:"size"`
				} `json:"vectors"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			size = body.Vectors.Size
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": true, "status": "ok"}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.VectorStore.Provider = "qdrant"
	cfg.VectorStore.Target = srv.URL
	cfg.VectorStore.CreateSchema = true
	kit := newKit(t, cfg)

	assert.IsType(t, &store.QdrantStore{}, kit.VectorStore())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, float64(768), size, "size is measured from the embedder")
	assert.Contains(t, paths, "PUT /collections/memories/index")
}

func TestKitPrunePolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Prune.MaxAgeDays = 30
	cfg.Prune.MaxRemovalFraction = 0.5
	kit := newKit(t, cfg)

	p := kit.PrunePolicy()
	assert.Equal(t, 30, p.MaxAgeDays)
	assert.InDelta(t, 0.95, p.SimilarityThreshold, 1e-9)
	assert.Equal(t, 10, p.MinContentLength)
	assert.InDelta(t, 0.5, p.MaxRemovalFraction, 1e-9)
	assert.False(t, p.DryRun)
}

func TestKitCloseReleasesComponents(t *testing.T) {
	h := history.NewMemoryStore()
	kit, err := adk.New(context.Background(), testConfig(), adk.WithLogger(logger.Nop()), adk.WithHistory(h))
	require.NoError(t, err)

	require.NoError(t, kit.Close())
	require.NoError(t, kit.Close(), "close is idempotent")
	err = h.Append(context.Background(), history.Entry{MemoryID: "x", Event: history.EventAdd})
	assert.ErrorIs(t, err, history.ErrClosed)
}
