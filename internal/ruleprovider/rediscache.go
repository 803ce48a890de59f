package ruleprovider

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache fronts an http-kind provider's fetch with a shared Redis
// cache keyed by provider name, so a refresh interval shorter than the
// upstream's own cache headers doesn't hit the remote URL from every
// kernel instance in a fleet. Optional: a Provider built without one just
// calls fetch directly, matching spec.md's "file providers load once;
// http providers load lazily or eagerly" with no caching requirement.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an already-constructed *redis.Client. ttl bounds how
// long a cached body is served before the next Refresh re-fetches it.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Wrap returns a fetch function that checks the cache before calling
// through to fetch, and populates the cache on a successful miss.
func (c *RedisCache) Wrap(providerName string, fetch func(ctx context.Context) ([]byte, error)) func(ctx context.Context) ([]byte, error) {
	key := "ruleprovider:" + providerName
	return func(ctx context.Context) ([]byte, error) {
		if cached, err := c.client.Get(ctx, key).Bytes(); err == nil {
			return cached, nil
		}
		raw, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		return raw, nil
	}
}
