// Package urlcache caches resolved mappings in Redis, in both directions:
// identifier to long URL for redirects, and long URL to identifier for
// duplicate shortening requests.
//
// The cache is advisory. Every failure is swallowed after logging so an
// unhealthy Redis degrades reads to the database instead of failing them.
package urlcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shortd/shortd/pkg/retrier"
)

// DefaultTTL is how long cached mappings live.
const DefaultTTL = 24 * time.Hour

const (
	hashKeyPrefix = "url:"
	urlKeyPrefix  = "url_to_hash:"
)

// Cache is the advisory mapping cache.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	retrier *retrier.Retrier
}

// New creates a Cache on top of an existing Redis client. Transient Redis
// faults on cache operations are retried with r; the final failure is still
// swallowed.
func New(client *redis.Client, ttl time.Duration, r *retrier.Retrier) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{client: client, ttl: ttl, retrier: r}
}

// Put stores the mapping in both directions.
func (c *Cache) Put(ctx context.Context, hash, longURL string) {
	err := c.retrier.Do(ctx, "urlcache.put.hash", func(ctx context.Context) error {
		return c.client.Set(ctx, hashKeyPrefix+hash, longURL, c.ttl).Err()
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("hash", hash).
			Msg("failed to cache the mapping by hash")
	}

	err = c.retrier.Do(ctx, "urlcache.put.url", func(ctx context.Context) error {
		return c.client.Set(ctx, urlKeyPrefix+longURL, hash, c.ttl).Err()
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("hash", hash).
			Msg("failed to cache the mapping by url")
	}
}

// GetByHash returns the cached long URL for hash. ok is false on a miss or
// on any Redis failure.
func (c *Cache) GetByHash(ctx context.Context, hash string) (string, bool) {
	longURL, err := retrier.Value(ctx, c.retrier, "urlcache.get.hash", func(ctx context.Context) (string, error) {
		return c.client.Get(ctx, hashKeyPrefix+hash).Result()
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Str("hash", hash).
				Msg("failed to read the mapping cache by hash")
		}

		recordMiss(ctx, "hash")

		return "", false
	}

	recordHit(ctx, "hash")

	return longURL, true
}

// GetHashByURL returns the cached identifier for longURL. ok is false on a
// miss or on any Redis failure.
func (c *Cache) GetHashByURL(ctx context.Context, longURL string) (string, bool) {
	hash, err := retrier.Value(ctx, c.retrier, "urlcache.get.url", func(ctx context.Context) (string, error) {
		return c.client.Get(ctx, urlKeyPrefix+longURL).Result()
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Msg("failed to read the mapping cache by url")
		}

		recordMiss(ctx, "url")

		return "", false
	}

	recordHit(ctx, "url")

	return hash, true
}

// Delete drops both directions of the mapping, typically ahead of the
// mapping being removed from the database.
func (c *Cache) Delete(ctx context.Context, hash, longURL string) {
	err := c.retrier.Do(ctx, "urlcache.delete", func(ctx context.Context) error {
		return c.client.Del(ctx, hashKeyPrefix+hash, urlKeyPrefix+longURL).Err()
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("hash", hash).
			Msg("failed to evict the mapping cache")
	}
}
