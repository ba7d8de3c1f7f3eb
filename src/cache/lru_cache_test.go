package cache

import (
	"context"
	"testing"
	"time"
)

func BenchmarkLRUCache_Set(b *testing.B) {
	cache := NewLRUCache(1000, 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Set(HashKey(string(rune(i))), "value")
	}
}

func BenchmarkLRUCache_Get(b *testing.B) {
	cache := NewLRUCache(1000, 5*time.Minute)

	// Populate cache
	for i := 0; i < 100; i++ {
		cache.Set(HashKey(string(rune(i))), "value")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Get(HashKey(string(rune(i % 100))))
	}
}

func BenchmarkLRUCache_ConcurrentAccess(b *testing.B) {
	cache := NewLRUCache(1000, 5*time.Minute)

	// Populate cache
	for i := 0; i < 100; i++ {
		cache.Set(HashKey(string(rune(i))), "value")
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := HashKey(string(rune(i % 100)))
			if i%2 == 0 {
				cache.Get(key)
			} else {
				cache.Set(key, "value")
			}
			i++
		}
	})
}

func TestLRUCache_Basic(t *testing.T) {
	cache := NewLRUCache(3, time.Hour)

	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Set("c", 3)

	if val, ok := cache.Get("a"); !ok || val != 1 {
		t.Errorf("expected 1, got %v", val)
	}

	// Add one more, should evict "b" (least recently used)
	cache.Set("d", 4)

	if _, ok := cache.Get("b"); ok {
		t.Error("expected 'b' to be evicted")
	}

	if cache.Len() != 3 {
		t.Errorf("expected cache length 3, got %d", cache.Len())
	}
}

func TestLRUCache_TTL(t *testing.T) {
	cache := NewLRUCache(10, 10*time.Millisecond)

	cache.Set("key", "value")

	if val, ok := cache.Get("key"); !ok || val != "value" {
		t.Error("expected value to be present")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := cache.Get("key"); ok {
		t.Error("expected value to be expired")
	}
}

func TestLRUCache_KeysByPrefixMostRecentFirst(t *testing.T) {
	cache := NewLRUCache(10, 0)
	cache.Set("semcache:answer:x:1", 1)
	cache.Set("semcache:answer:x:2", 2)
	cache.Set("semcache:index:x", 3)
	cache.Get("semcache:answer:x:1")

	got := cache.Keys("semcache:answer:")
	want := []string{"semcache:answer:x:1", "semcache:answer:x:2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("keys = %v, want %v", got, want)
	}
}

func TestLRUCache_PerEntryTTLAndClock(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewLRUCache(10, 0)
	cache.now = func() time.Time { return now }

	cache.SetWithTTL("short", "v", time.Minute)
	cache.SetWithTTL("forever", "v", 0)

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("short"); ok {
		t.Error("expected short-lived entry to expire")
	}
	if _, ok := cache.Get("forever"); !ok {
		t.Error("expected entry without ttl to survive")
	}
	if keys := cache.Keys(""); len(keys) != 1 {
		t.Errorf("expected one live key, got %v", keys)
	}
}

func TestLRUCache_Delete(t *testing.T) {
	cache := NewLRUCache(2, 0)
	cache.Set("a", 1)
	if !cache.Delete("a") {
		t.Error("expected delete to report presence")
	}
	if cache.Delete("a") {
		t.Error("second delete should report absence")
	}
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d", cache.Len())
	}
}

func TestLRUCache_DumpRestore(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	src := NewLRUCache(10, 0)
	src.now = func() time.Time { return now }
	src.SetWithTTL("live", "v1", time.Hour)
	src.SetWithTTL("stale", "v2", time.Second)
	dump := src.Dump()

	dst := NewLRUCache(10, 0)
	dst.now = func() time.Time { return now.Add(time.Minute) }
	dst.Restore(dump)

	if _, ok := dst.Get("live"); !ok {
		t.Error("expected live entry to be restored")
	}
	if _, ok := dst.Get("stale"); ok {
		t.Error("expected stale entry to be skipped")
	}
}

func TestMemoryBackendCopiesValues(t *testing.T) {
	b := NewMemoryBackend(4)
	ctx := context.Background()
	val := []byte("abc")
	if err := b.Set(ctx, "k", val, 0); err != nil {
		t.Fatal(err)
	}
	val[0] = 'z'

	got, ok, err := b.Get(ctx, "k")
	if err != nil || !ok || string(got) != "abc" {
		t.Fatalf("got %q ok=%v err=%v", got, ok, err)
	}
	got[1] = 'z'
	again, _, _ := b.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value was mutated: %q", again)
	}

	_ = b.Delete(ctx, "k", "missing")
	if b.Len() != 0 {
		t.Errorf("expected empty backend, got %d", b.Len())
	}
}
