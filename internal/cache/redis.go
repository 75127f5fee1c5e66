// Package cache provides the Redis-backed rate limit store used by the API
// chassis. Counters live in Redis so limits hold across Lambda instances.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"notifly/internal/core"
)

// RedisRateLimitStore implements core.RateLimitStore on top of a fixed-window
// counter per key. The window boundary is carried by the key's TTL, so the
// first increment in a window sets the expiry and later increments inherit it.
type RedisRateLimitStore struct {
	client *redis.Client
}

var _ core.RateLimitStore = (*RedisRateLimitStore)(nil)

// NewRedisRateLimitStore connects to Redis and verifies the connection with a
// short ping before returning the store.
func NewRedisRateLimitStore(redisURL string) (*RedisRateLimitStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRateLimitStore{client: client}, nil
}

// IncrementAndCheck atomically increments the counter for key and compares it
// against limit. INCR and EXPIRE NX run in one pipeline round trip; EXPIRE NX
// only arms the TTL on the first increment of a window.
func (s *RedisRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (core.RateLimitResult, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.TTL(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return core.RateLimitResult{}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	count := incr.Val()

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	resetIn := ttl.Val()
	if resetIn < 0 {
		// Key has no TTL (should not happen with ExpireNX); fall back to a
		// full window so callers still get a sane Retry-After.
		resetIn = window
	}

	return core.RateLimitResult{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   time.Now().Add(resetIn),
	}, nil
}

// Close releases the underlying Redis connection.
func (s *RedisRateLimitStore) Close() error {
	return s.client.Close()
}
