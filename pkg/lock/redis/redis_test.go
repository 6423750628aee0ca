package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortd/shortd/pkg/lock/redis"
	"github.com/shortd/shortd/testhelper"
)

func newTestLocker(t *testing.T) *redis.Locker {
	t.Helper()

	return redis.NewLocker(testhelper.RedisClient(t), "test:shortd:lock:")
}

func uniqueKey(t *testing.T) string {
	t.Helper()

	return testhelper.UniqueKey(t, "")
}

func TestTryLockContention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := newTestLocker(t)
	key := uniqueKey(t)

	release, ok, err := locker.TryLock(ctx, key, 0, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A second holder is refused while the lock is held.
	_, ok, err = locker.TryLock(ctx, key, 0, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release(ctx)

	require.Eventually(t, func() bool {
		release, ok, err := locker.TryLock(ctx, key, 0, 10*time.Second)
		if err != nil || !ok {
			return false
		}

		release(ctx)

		return true
	}, 5*time.Second, 100*time.Millisecond)
}

func TestTryLockHonorsAtLeastFor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := newTestLocker(t)
	key := uniqueKey(t)

	release, ok, err := locker.TryLock(ctx, key, time.Second, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	release(ctx)

	// Released early, but the entry is held for atLeastFor.
	_, ok, err = locker.TryLock(ctx, key, 0, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		release, ok, err := locker.TryLock(ctx, key, 0, 10*time.Second)
		if err != nil || !ok {
			return false
		}

		release(ctx)

		return true
	}, 5*time.Second, 100*time.Millisecond)
}

func TestTryLockExpiresAtMostFor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := newTestLocker(t)
	key := uniqueKey(t)

	// Never released; expires on its own.
	_, ok, err := locker.TryLock(ctx, key, 0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		release, ok, err := locker.TryLock(ctx, key, 0, 10*time.Second)
		if err != nil || !ok {
			return false
		}

		release(ctx)

		return true
	}, 5*time.Second, 100*time.Millisecond)
}
