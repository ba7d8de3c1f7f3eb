package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

func testRecord(id, text string, vec []float32, scope model.Scope) model.MemoryRecord {
	return model.MemoryRecord{
		ID:        id,
		Text:      text,
		Hash:      model.ContentHash(text),
		Embedding: vec,
		Scope:     scope,
		Metadata:  map[string]any{"source": "test"},
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestInMemoryStoreSearchRanksByCosineWithinScope(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	alice := model.Scope{UserID: "alice"}
	bob := model.Scope{UserID: "bob"}

	require.NoError(t, s.Insert(ctx, []model.MemoryRecord{
		testRecord("a1", "likes tea", []float32{1, 0}, alice),
		testRecord("a2", "likes coffee", []float32{0.6, 0.8}, alice),
		testRecord("b1", "likes tea too", []float32{1, 0}, bob),
	}))

	got, err := s.Search(ctx, []float32{1, 0}, alice, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.Equal(t, "a2", got[1].ID)
	assert.InDelta(t, 0.6, got[1].Score, 1e-6)

	limited, err := s.Search(ctx, []float32{1, 0}, alice, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	rec := testRecord("x", "original", []float32{1, 2}, model.Scope{UserID: "u"})
	require.NoError(t, s.Insert(ctx, []model.MemoryRecord{rec}))

	rec.Embedding[0] = 99
	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, float32(1), got.Embedding[0])

	got.Metadata["source"] = "mutated"
	again, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "test", again.Metadata["source"])
}

func TestInMemoryStoreGetUpdateMissing(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Update(ctx, testRecord("nope", "text", nil, model.Scope{UserID: "u"}))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStoreUpdateReplacesRecord(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	scope := model.Scope{UserID: "u"}
	require.NoError(t, s.Insert(ctx, []model.MemoryRecord{testRecord("r", "old", []float32{1, 0}, scope)}))

	updated := testRecord("r", "new", []float32{0, 1}, scope)
	require.NoError(t, s.Update(ctx, updated))

	got, err := s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Text)
	assert.Equal(t, []float32{0, 1}, got.Embedding)
	assert.Equal(t, 1, s.Count())
}

func TestInMemoryStoreListKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	scope := model.Scope{UserID: "u", RunID: "r1"}
	require.NoError(t, s.Insert(ctx, []model.MemoryRecord{
		testRecord("3", "three", nil, scope),
		testRecord("1", "one", nil, scope),
		testRecord("2", "two", nil, model.Scope{UserID: "u", RunID: "r2"}),
	}))

	got, err := s.List(ctx, model.Scope{UserID: "u"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"3", "1", "2"}, []string{got[0].ID, got[1].ID, got[2].ID})

	run, err := s.List(ctx, model.Scope{UserID: "u", RunID: "r1"}, 1)
	require.NoError(t, err)
	require.Len(t, run, 1)
	assert.Equal(t, "3", run[0].ID)
}

func TestInMemoryStoreDeleteAndDeleteAll(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	alice := model.Scope{UserID: "alice"}
	bob := model.Scope{UserID: "bob"}
	require.NoError(t, s.Insert(ctx, []model.MemoryRecord{
		testRecord("a1", "one", nil, alice),
		testRecord("a2", "two", nil, alice),
		testRecord("b1", "three", nil, bob),
	}))

	require.NoError(t, s.Delete(ctx, []string{"a1", "missing"}))
	assert.Equal(t, 2, s.Count())

	assert.ErrorIs(t, s.DeleteAll(ctx, model.Scope{}), model.ErrEmptyScope)

	require.NoError(t, s.DeleteAll(ctx, alice))
	left, err := s.List(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b1", left[0].ID)
	assert.Equal(t, 1, s.Count())
}

func TestEnsureSchemaSkipsStoresWithoutInitializer(t *testing.T) {
	assert.NoError(t, EnsureSchema(context.Background(), NewInMemoryStore(), 3))
}
