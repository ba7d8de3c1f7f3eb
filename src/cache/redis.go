package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores cache entries in Redis so several processes share one
// semantic cache.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a backend for addr.
func NewRedisBackend(addr string, password string, db int) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBackend{client: rdb}
}

// NewRedisBackendFromURL accepts redis:// and rediss:// URLs.
func NewRedisBackendFromURL(rawURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl > 0 {
		return r.client.SetEx(ctx, key, value, ttl).Err()
	}
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Keys walks the keyspace with SCAN so large databases are not blocked.
func (r *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	match := escapeGlob(prefix) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}

var _ Backend = (*RedisBackend)(nil)
