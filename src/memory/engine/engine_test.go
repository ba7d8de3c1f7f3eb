package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-memory/src/events"
	"github.com/Protocol-Lattice/go-memory/src/memory/embed"
	"github.com/Protocol-Lattice/go-memory/src/memory/history"
	"github.com/Protocol-Lattice/go-memory/src/memory/model"
	"github.com/Protocol-Lattice/go-memory/src/memory/store"
	"github.com/Protocol-Lattice/go-memory/src/models"
)

var alice = model.Scope{UserID: "alice"}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	engine    *Engine
	store     *store.InMemoryStore
	llm       *models.ScriptedLLM
	embedder  *embed.StaticEmbedder
	history   *history.MemoryStore
	publisher *events.Recorder
	clock     *testClock
}

func newHarness(t *testing.T, opts Options, responses ...string) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewInMemoryStore(),
		llm:       models.NewScriptedLLM(responses...),
		embedder:  embed.NewStaticEmbedder(nil),
		history:   history.NewMemoryStore(),
		publisher: events.NewRecorder(),
		clock:     &testClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.engine = NewEngine(h.store, opts).
		WithLLM(h.llm).
		WithEmbedder(h.embedder).
		WithHistory(h.history).
		WithPublisher(h.publisher).
		WithClock(h.clock.Now)
	t.Cleanup(func() { _ = h.history.Close() })
	return h
}

// seed stores text directly and returns the new record.
func (h *harness) seed(t *testing.T, text string, scope model.Scope, metadata map[string]any) model.MemoryRecord {
	t.Helper()
	res, err := h.engine.Add(context.Background(), text, scope, metadata)
	require.NoError(t, err)
	rec, err := h.store.Get(context.Background(), res.ID)
	require.NoError(t, err)
	return rec
}
