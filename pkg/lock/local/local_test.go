package local_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortd/shortd/pkg/lock/local"
)

func TestTryLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	release, ok, err := locker.TryLock(ctx, "job", time.Second, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, release)

	// Held locks cannot be re-acquired.
	_, ok, err = locker.TryLock(ctx, "job", time.Second, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other keys are independent.
	_, ok, err = locker.TryLock(ctx, "other-job", time.Second, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseHonorsAtLeastFor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	release, ok, err := locker.TryLock(ctx, "job", 200*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release(ctx)

	// The lease holds until atLeastFor elapses.
	_, ok, err = locker.TryLock(ctx, "job", 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		release, ok, err := locker.TryLock(ctx, "job", 0, time.Minute)
		if err != nil || !ok {
			return false
		}

		release(ctx)

		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReleaseImmediateWhenAtLeastForElapsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	release, ok, err := locker.TryLock(ctx, "job", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release(ctx)

	_, ok, err = locker.TryLock(ctx, "job", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredLeaseCanBeReacquired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	// Never released; expires after atMostFor.
	_, ok, err := locker.TryLock(ctx, "job", 0, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := locker.TryLock(ctx, "job", 0, time.Minute)

		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	release, ok, err := locker.TryLock(ctx, "job", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release(ctx)
	release(ctx)

	_, ok, err = locker.TryLock(ctx, "job", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
