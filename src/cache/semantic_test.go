package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-memory/src/memory/embed"
	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

var alice = model.Scope{UserID: "alice"}

// similarTo returns a unit vector whose cosine with [1, 0] is sim.
func similarTo(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestCache(t *testing.T, opts Options) (*SemanticCache, *embed.StaticEmbedder, *fakeClock) {
	t.Helper()
	emb := embed.NewStaticEmbedder(map[string][]float32{
		"weekend plans":         {1, 0},
		"plans for the weekend": similarTo(0.91),
		"what about monday":     similarTo(0.80),
	})
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := NewSemanticCache(NewMemoryBackend(1000), emb, opts).WithClock(clock.Now)
	return c, emb, clock
}

func TestSemanticCacheHitUsesLiveSimilarity(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()

	c.Store(ctx, "weekend plans", alice, []string{"hike", "brunch"}, "Hiking then brunch.", time.Hour)

	ans, ok := c.Lookup(ctx, "plans for the weekend", alice)
	require.True(t, ok)
	assert.InDelta(t, 0.91, ans.Confidence, 1e-4)
	assert.Equal(t, "weekend plans", ans.Query)
	assert.Equal(t, "Hiking then brunch.", ans.Synthesis)
	assert.Equal(t, alice, ans.Scope)

	var result []string
	require.NoError(t, ans.DecodeResult(&result))
	assert.Equal(t, []string{"hike", "brunch"}, result)

	exact, ok := c.Lookup(ctx, "weekend plans", alice)
	require.True(t, ok)
	assert.InDelta(t, 1.0, exact.Confidence, 1e-6)

	stats := c.Stats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Stores)
}

func TestSemanticCacheMissBelowThreshold(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()
	c.Store(ctx, "weekend plans", alice, "R", "", time.Hour)

	_, ok := c.Lookup(ctx, "what about monday", alice)
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().Misses)
}

func TestSemanticCacheThresholdMonotonic(t *testing.T) {
	backend := NewMemoryBackend(100)
	emb := embed.NewStaticEmbedder(map[string][]float32{
		"weekend plans":         {1, 0},
		"plans for the weekend": similarTo(0.91),
	})
	ctx := context.Background()
	NewSemanticCache(backend, emb, Options{}).Store(ctx, "weekend plans", alice, "R", "", time.Hour)

	sawMiss := false
	for _, th := range []float64{0.5, 0.85, 0.9, 0.91, 0.92, 0.95, 0.99} {
		_, hit := NewSemanticCache(backend, emb, Options{Threshold: th}).Lookup(ctx, "plans for the weekend", alice)
		if sawMiss {
			assert.False(t, hit, "threshold %.2f turned a miss back into a hit", th)
		}
		if !hit {
			sawMiss = true
		}
	}
	assert.True(t, sawMiss)
}

func TestSemanticCacheNonPositiveTTLNeverServed(t *testing.T) {
	c, emb, _ := newTestCache(t, Options{})
	ctx := context.Background()

	c.Store(ctx, "weekend plans", alice, "R", "", 0)
	c.Store(ctx, "weekend plans", alice, "R", "", -time.Second)
	_, ok := c.Lookup(ctx, "weekend plans", alice)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(ctx, alice))
	assert.Equal(t, 1, emb.Calls(), "only the lookup embeds")
}

func TestSemanticCacheNonPositiveTTLDropsEarlierAnswer(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()

	c.Store(ctx, "weekend plans", alice, "old", "", time.Hour)
	c.Store(ctx, "plans for the weekend", alice, "kept", "", time.Hour)
	require.Equal(t, 2, c.Len(ctx, alice))

	c.Store(ctx, "Weekend Plans ", alice, "new", "", 0)
	assert.Equal(t, 1, c.Len(ctx, alice))

	ans, ok := c.Lookup(ctx, "weekend plans", alice)
	require.True(t, ok, "the other entry still matches")
	var result string
	require.NoError(t, ans.DecodeResult(&result))
	assert.Equal(t, "kept", result)
}

func TestSemanticCacheLazyExpiry(t *testing.T) {
	c, _, clock := newTestCache(t, Options{})
	ctx := context.Background()
	c.Store(ctx, "weekend plans", alice, "R", "", time.Minute)

	clock.Advance(59 * time.Second)
	_, ok := c.Lookup(ctx, "weekend plans", alice)
	require.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Lookup(ctx, "weekend plans", alice)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(ctx, alice), "expired entry is dropped from the index")
	assert.EqualValues(t, 1, c.Stats().Expirations)
}

func TestSemanticCacheScopesAreIsolated(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()
	c.Store(ctx, "weekend plans", alice, "R", "", time.Hour)

	_, ok := c.Lookup(ctx, "weekend plans", model.Scope{UserID: "bob"})
	assert.False(t, ok)
	_, ok = c.Lookup(ctx, "weekend plans", model.Scope{UserID: "alice", RunID: "r1"})
	assert.False(t, ok)
}

func TestSemanticCacheEvictsOldestFirst(t *testing.T) {
	vectors := map[string][]float32{}
	for i := 0; i < 5; i++ {
		vec := make([]float32, 5)
		vec[i] = 1
		vectors[fmt.Sprintf("q%d", i)] = vec
	}
	backend := NewMemoryBackend(100)
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	c := NewSemanticCache(backend, embed.NewStaticEmbedder(vectors), Options{MaxEntries: 3}).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Store(ctx, fmt.Sprintf("q%d", i), alice, i, "", time.Hour)
		clock.Advance(time.Second)
	}

	assert.Equal(t, 3, c.Len(ctx, alice))
	for i := 0; i < 5; i++ {
		_, ok := c.Lookup(ctx, fmt.Sprintf("q%d", i), alice)
		assert.Equal(t, i >= 2, ok, "q%d", i)
	}
	assert.EqualValues(t, 2, c.Stats().Evictions)

	answers, err := backend.Keys(ctx, c.answerPrefix(alice))
	require.NoError(t, err)
	assert.Len(t, answers, 3, "evicted answers are deleted too")
}

func TestSemanticCacheFailSoftOnEmbedder(t *testing.T) {
	c, emb, _ := newTestCache(t, Options{})
	ctx := context.Background()
	c.Store(ctx, "weekend plans", alice, "R", "", time.Hour)

	emb.Err = errors.New("provider down")
	_, ok := c.Lookup(ctx, "weekend plans", alice)
	assert.False(t, ok)
	assert.NotPanics(t, func() { c.Store(ctx, "other", alice, "R", "", time.Hour) })
	assert.EqualValues(t, 2, c.Stats().Errors)
}

func TestSemanticCacheRejectsEmptyScope(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()
	c.Store(ctx, "weekend plans", model.Scope{}, "R", "", time.Hour)
	_, ok := c.Lookup(ctx, "weekend plans", model.Scope{})
	assert.False(t, ok)
	assert.ErrorIs(t, c.Invalidate(ctx, model.Scope{}), model.ErrEmptyScope)
}

type recordingBackend struct {
	*MemoryBackend
	mu     sync.Mutex
	sets   []string
	getErr error
	setErr error
}

func (r *recordingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if r.getErr != nil {
		return nil, false, r.getErr
	}
	return r.MemoryBackend.Get(ctx, key)
}

func (r *recordingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.mu.Lock()
	r.sets = append(r.sets, key)
	r.mu.Unlock()
	if r.setErr != nil {
		return r.setErr
	}
	return r.MemoryBackend.Set(ctx, key, value, ttl)
}

func TestSemanticCacheWritesAnswerBeforeIndex(t *testing.T) {
	rb := &recordingBackend{MemoryBackend: NewMemoryBackend(100)}
	c := NewSemanticCache(rb, embed.NewStaticEmbedder(nil), Options{})
	c.Store(context.Background(), "weekend plans", alice, "R", "", time.Hour)

	require.Len(t, rb.sets, 2)
	assert.True(t, strings.Contains(rb.sets[0], ":answer:"))
	assert.True(t, strings.Contains(rb.sets[1], ":index:"))
}

func TestSemanticCacheFailedAnswerWriteIsNotIndexed(t *testing.T) {
	rb := &recordingBackend{MemoryBackend: NewMemoryBackend(100), setErr: errors.New("full")}
	c := NewSemanticCache(rb, embed.NewStaticEmbedder(nil), Options{})
	c.Store(context.Background(), "weekend plans", alice, "R", "", time.Hour)

	assert.Len(t, rb.sets, 1)
	rb.setErr = nil
	assert.Equal(t, 0, c.Len(context.Background(), alice))
}

func TestSemanticCacheBackendErrorIsMiss(t *testing.T) {
	rb := &recordingBackend{MemoryBackend: NewMemoryBackend(100)}
	c := NewSemanticCache(rb, embed.NewStaticEmbedder(nil), Options{})
	ctx := context.Background()
	c.Store(ctx, "weekend plans", alice, "R", "", time.Hour)

	rb.getErr = errors.New("connection reset")
	_, ok := c.Lookup(ctx, "weekend plans", alice)
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().Errors)
}

func TestSemanticCacheInvalidate(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()
	bob := model.Scope{UserID: "bob"}
	c.Store(ctx, "weekend plans", alice, "A", "", time.Hour)
	c.Store(ctx, "weekend plans", bob, "B", "", time.Hour)

	require.NoError(t, c.Invalidate(ctx, alice))
	_, ok := c.Lookup(ctx, "weekend plans", alice)
	assert.False(t, ok)

	ans, ok := c.Lookup(ctx, "weekend plans", bob)
	require.True(t, ok)
	var got string
	require.NoError(t, ans.DecodeResult(&got))
	assert.Equal(t, "B", got)
}

func TestSemanticCacheConcurrentStoresKeepIndexConsistent(t *testing.T) {
	c := NewSemanticCache(NewMemoryBackend(1000), embed.DummyEmbedder{}, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Store(ctx, fmt.Sprintf("question number %d", i), alice, i, "", time.Hour)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 40, c.Len(ctx, alice))
	assert.EqualValues(t, 40, c.Stats().Stores)
}

func TestQueryHashNormalisesQuery(t *testing.T) {
	assert.Equal(t, QueryHash("weekend plans", alice), QueryHash("  Weekend PLANS ", alice))
	assert.NotEqual(t, QueryHash("weekend plans", alice), QueryHash("weekend plans", model.Scope{UserID: "bob"}))
}

func TestAnswerExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, (&Answer{CreatedAt: now, TTL: 0}).Expired(now))
	assert.False(t, (&Answer{CreatedAt: now, TTL: time.Second}).Expired(now))
	assert.True(t, (&Answer{CreatedAt: now, TTL: time.Second}).Expired(now.Add(time.Second)))
}
