package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-memory/src/cache"
	"github.com/Protocol-Lattice/go-memory/src/memory"
	"github.com/Protocol-Lattice/go-memory/src/memory/embed"
	"github.com/Protocol-Lattice/go-memory/src/memory/engine"
	"github.com/Protocol-Lattice/go-memory/src/memory/model"
	"github.com/Protocol-Lattice/go-memory/src/memory/store"
	"github.com/Protocol-Lattice/go-memory/src/models"
)

var (
	alice   = model.Scope{UserID: "alice"}
	planner = model.Scope{UserID: "alice", AgentID: "planner"}
	raw     = memory.AddOptions{Infer: false}
)

type fixture struct {
	mem   *memory.Memory
	llm   *models.ScriptedLLM
	store *store.InMemoryStore
}

func newFixture(t *testing.T, withCache bool, responses ...string) *fixture {
	t.Helper()
	f := &fixture{
		llm:   models.NewScriptedLLM(responses...),
		store: store.NewInMemoryStore(),
	}
	eng := engine.NewEngine(f.store, engine.Options{}).
		WithLLM(f.llm).
		WithEmbedder(embed.DummyEmbedder{})
	var sc *cache.SemanticCache
	if withCache {
		sc = cache.NewSemanticCache(nil, embed.DummyEmbedder{}, cache.Options{})
	}
	f.mem = memory.New(eng, sc)
	t.Cleanup(func() { _ = f.mem.Close() })
	return f
}

func TestAddWithoutInferenceStoresVerbatim(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	res, err := f.mem.Add(ctx, "  Prefers aisle seats on long flights ", alice, map[string]any{"source": "chat"}, raw)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, engine.EventAdd, res.Applied[0].Event)
	assert.Empty(t, f.llm.Calls(), "raw adds never reach the model")

	rec, err := f.mem.Get(ctx, res.Applied[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Prefers aisle seats on long flights", rec.Text)
	assert.Equal(t, alice, rec.Scope)
	assert.Equal(t, "chat", rec.Metadata["source"])
}

func TestAddReconcilesByDefault(t *testing.T) {
	f := newFixture(t, true,
		`{"facts": ["Likes green tea"]}`,
		`{"memory": [{"event": "ADD", "text": "Likes green tea"}]}`,
	)
	ctx := context.Background()

	res, err := f.mem.Add(ctx, "I really like green tea", alice, nil)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, engine.EventAdd, res.Applied[0].Event)
	assert.Equal(t, "Likes green tea", res.Applied[0].Text)
	assert.Len(t, f.llm.Calls(), 2)
	assert.Equal(t, 1, f.store.Count())
}

func TestSearchServesRepeatQueriesFromCache(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.mem.Add(ctx, "Allergic to peanuts", alice, nil, raw)
	require.NoError(t, err)

	first, err := f.mem.Search(ctx, "peanuts allergy", alice, 3)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	require.Len(t, first.Records, 1)
	assert.Nil(t, first.Records[0].Embedding)

	second, err := f.mem.Search(ctx, "peanuts allergy", alice, 3)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.InDelta(t, 1.0, second.Confidence, 1e-6)
	assert.Equal(t, first.Records[0].ID, second.Records[0].ID)

	stats := f.mem.Stats()
	require.NotNil(t, stats.Cache)
	assert.EqualValues(t, 1, stats.Cache.Hits)
	assert.EqualValues(t, 1, stats.Cache.Stores)
}

func TestSearchNeverServesWiderLimitFromNarrowerAnswer(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for _, text := range []string{"Lives in Lisbon", "Works in Porto", "Visits Madrid"} {
		_, err := f.mem.Add(ctx, text, alice, nil, raw)
		require.NoError(t, err)
	}

	narrow, err := f.mem.Search(ctx, "where does she live", alice, 1)
	require.NoError(t, err)
	assert.False(t, narrow.Cached)
	assert.Len(t, narrow.Records, 1)

	wide, err := f.mem.Search(ctx, "where does she live", alice, 3)
	require.NoError(t, err)
	assert.False(t, wide.Cached)
	assert.Len(t, wide.Records, 3)

	again, err := f.mem.Search(ctx, "where does she live", alice, 2)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Len(t, again.Records, 2)
}

func TestWritesInvalidateCachedSearches(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	added, err := f.mem.Add(ctx, "Drinks oat milk", alice, nil, raw)
	require.NoError(t, err)
	id := added.Applied[0].ID

	search := func() memory.SearchResult {
		t.Helper()
		out, err := f.mem.Search(ctx, "milk preference", alice, 5)
		require.NoError(t, err)
		return out
	}

	search()
	require.True(t, search().Cached)

	_, err = f.mem.Add(ctx, "Dislikes almond milk", alice, nil, raw)
	require.NoError(t, err)
	res := search()
	assert.False(t, res.Cached)
	assert.Len(t, res.Records, 2)

	require.True(t, search().Cached)
	_, err = f.mem.Update(ctx, id, "Drinks soy milk")
	require.NoError(t, err)
	assert.False(t, search().Cached)

	require.True(t, search().Cached)
	_, err = f.mem.Delete(ctx, id)
	require.NoError(t, err)
	res = search()
	assert.False(t, res.Cached)
	assert.Len(t, res.Records, 1)

	require.True(t, search().Cached)
	n, err := f.mem.DeleteAll(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	res = search()
	assert.False(t, res.Cached)
	assert.Empty(t, res.Records)
}

func TestWriteUnderNarrowScopeInvalidatesWiderFilters(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.mem.Search(ctx, "travel plans", alice, 5)
	require.NoError(t, err)
	_, err = f.mem.Search(ctx, "travel plans", model.Scope{AgentID: "planner"}, 5)
	require.NoError(t, err)

	_, err = f.mem.Add(ctx, "Flying to Tokyo in March", planner, nil, raw)
	require.NoError(t, err)

	res, err := f.mem.Search(ctx, "travel plans", alice, 5)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Len(t, res.Records, 1)

	res, err = f.mem.Search(ctx, "travel plans", model.Scope{AgentID: "planner"}, 5)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Len(t, res.Records, 1)
}

func TestDryRunPruneKeepsCache(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for _, text := range []string{"ok", "Owns a border collie named Pixel"} {
		_, err := f.mem.Add(ctx, text, alice, nil, raw)
		require.NoError(t, err)
	}
	_, err := f.mem.Search(ctx, "dog", alice, 5)
	require.NoError(t, err)

	policy := engine.DefaultPrunePolicy()
	policy.DryRun = true
	policy.MaxRemovalFraction = 1
	report, err := f.mem.Prune(ctx, alice, policy)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.LowValueRemoved)
	assert.Equal(t, 2, f.store.Count())

	res, err := f.mem.Search(ctx, "dog", alice, 5)
	require.NoError(t, err)
	assert.True(t, res.Cached)

	policy.DryRun = false
	report, err = f.mem.Prune(ctx, alice, policy)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed())
	res, err = f.mem.Search(ctx, "dog", alice, 5)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Len(t, res.Records, 1)
}

func TestHistoryAndGetAll(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	added, err := f.mem.Add(ctx, "Works at Acme", alice, nil, memory.AddOptions{Actor: "import"})
	require.NoError(t, err)
	id := added.Applied[0].ID
	_, err = f.mem.Update(ctx, id, "Works at Globex")
	require.NoError(t, err)
	_, err = f.mem.Add(ctx, "Lives in Berlin", planner, nil, raw)
	require.NoError(t, err)

	all, err := f.mem.GetAll(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Works at Globex", all[0].Text)

	limited, err := f.mem.GetAll(ctx, alice, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	onlyPlanner, err := f.mem.GetAll(ctx, model.Scope{AgentID: "planner"}, 0)
	require.NoError(t, err)
	require.Len(t, onlyPlanner, 1)
	assert.Equal(t, "Lives in Berlin", onlyPlanner[0].Text)

	rows, err := f.mem.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ADD", rows[0].Event)
	assert.Equal(t, "import", rows[0].ActorID)
	assert.Equal(t, "UPDATE", rows[1].Event)
	assert.Equal(t, "Works at Acme", rows[1].OldMemory)
	assert.Equal(t, "Works at Globex", rows[1].NewMemory)
}

func TestMissingRecords(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.mem.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.mem.Update(ctx, "missing", "anything")
	require.ErrorIs(t, err, store.ErrNotFound)

	res, err := f.mem.Delete(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, engine.EventNone, res.Event)
}

func TestSearchWithoutCache(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.mem.Add(ctx, "Speaks Portuguese", alice, nil, raw)
	require.NoError(t, err)

	for range 2 {
		res, err := f.mem.Search(ctx, "languages", alice, 0)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Len(t, res.Records, 1)
	}
	assert.Nil(t, f.mem.Stats().Cache)
	require.NoError(t, f.mem.InvalidateCache(ctx, alice))
	require.ErrorIs(t, f.mem.InvalidateCache(ctx, model.Scope{}), model.ErrEmptyScope)
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.mem.Search(ctx, "anything", model.Scope{}, 5)
	require.ErrorIs(t, err, model.ErrEmptyScope)

	_, err = f.mem.Search(ctx, "   ", alice, 5)
	require.Error(t, err)

	_, err = f.mem.GetAll(ctx, model.Scope{}, 0)
	require.ErrorIs(t, err, model.ErrEmptyScope)
}

type closeRecorder struct{ closed int }

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestCloseReleasesRegisteredClosers(t *testing.T) {
	rec := &closeRecorder{}
	eng := engine.NewEngine(store.NewInMemoryStore(), engine.Options{}).WithEmbedder(embed.DummyEmbedder{})
	mem := memory.New(eng, nil, memory.WithClosers(rec, nil))

	require.NoError(t, mem.Close())
	assert.Equal(t, 1, rec.closed)
}
