package urlcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	goredis "github.com/redis/go-redis/v9"

	"github.com/shortd/shortd/pkg/retrier"
	"github.com/shortd/shortd/pkg/urlcache"
	"github.com/shortd/shortd/testhelper"
)

func newRetrier(t *testing.T) *retrier.Retrier {
	t.Helper()

	r, err := retrier.New(retrier.Config{MaxAttempts: 2, Delay: retrier.MinDelay})
	require.NoError(t, err)

	return r
}

func newTestCache(t *testing.T) (*urlcache.Cache, *goredis.Client) {
	t.Helper()

	client := testhelper.RedisClient(t)

	return urlcache.New(client, time.Minute, newRetrier(t)), client
}

func uniqueHash(t *testing.T) string {
	t.Helper()

	return testhelper.UniqueKey(t, "test-")
}

func TestPutAndGet(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)
	ctx := context.Background()

	hash := uniqueHash(t)
	longURL := "https://example.com/" + hash

	cache.Put(ctx, hash, longURL)

	got, ok := cache.GetByHash(ctx, hash)
	require.True(t, ok)
	assert.Equal(t, longURL, got)

	gotHash, ok := cache.GetHashByURL(ctx, longURL)
	require.True(t, ok)
	assert.Equal(t, hash, gotHash)
}

func TestGetMiss(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, ok := cache.GetByHash(ctx, uniqueHash(t))
	assert.False(t, ok)

	_, ok = cache.GetHashByURL(ctx, "https://example.com/never-cached")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)
	ctx := context.Background()

	hash := uniqueHash(t)
	longURL := "https://example.com/" + hash

	cache.Put(ctx, hash, longURL)
	cache.Delete(ctx, hash, longURL)

	_, ok := cache.GetByHash(ctx, hash)
	assert.False(t, ok)

	_, ok = cache.GetHashByURL(ctx, longURL)
	assert.False(t, ok)
}

func TestCacheSwallowsRedisFailures(t *testing.T) {
	t.Parallel()

	// Nothing listens here; every operation fails after its retries.
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:1"})
	t.Cleanup(func() { _ = client.Close() })

	cache := urlcache.New(client, time.Minute, newRetrier(t))
	ctx := context.Background()

	cache.Put(ctx, "h1", "https://example.com/a")
	cache.Delete(ctx, "h1", "https://example.com/a")

	_, ok := cache.GetByHash(ctx, "h1")
	assert.False(t, ok)

	_, ok = cache.GetHashByURL(ctx, "https://example.com/a")
	assert.False(t, ok)
}

func TestEntriesExpire(t *testing.T) {
	t.Parallel()

	_, client := newTestCache(t)
	ctx := context.Background()

	short := urlcache.New(client, time.Second, newRetrier(t))

	hash := uniqueHash(t)
	short.Put(ctx, hash, "https://example.com/expiring")

	require.Eventually(t, func() bool {
		_, ok := short.GetByHash(ctx, hash)

		return !ok
	}, 5*time.Second, 100*time.Millisecond)
}
