// Package redis implements lock.Locker on Redis via the Redlock algorithm.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	goredislib "github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/shortd/shortd/pkg/lock"
)

// DefaultKeyPrefix namespaces lock keys in Redis.
const DefaultKeyPrefix = "shortd:lock:"

const unlockTimeout = 5 * time.Second

// Locker implements lock.Locker using redsync over a shared Redis client.
type Locker struct {
	redsync   *redsync.Redsync
	keyPrefix string
}

// NewLocker creates a distributed locker on top of an existing Redis client.
func NewLocker(client *redis.Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	return &Locker{
		redsync:   redsync.New(goredislib.NewPool(client)),
		keyPrefix: keyPrefix,
	}
}

// TryLock attempts to acquire the lock for key with a single attempt. The
// Redis entry expires after atMostFor so a crashed holder cannot wedge the
// job forever.
func (l *Locker) TryLock(
	ctx context.Context,
	key string,
	atLeastFor, atMostFor time.Duration,
) (lock.Release, bool, error) {
	mutex := l.redsync.NewMutex(
		l.keyPrefix+key,
		redsync.WithExpiry(atMostFor),
		redsync.WithTries(1),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			lock.RecordAcquisition(ctx, key, "distributed", "contention")

			return nil, false, nil
		}

		lock.RecordAcquisition(ctx, key, "distributed", "error")

		return nil, false, fmt.Errorf("error trying lock %s: %w", key, err)
	}

	lock.RecordAcquisition(ctx, key, "distributed", "success")

	acquiredAt := time.Now()
	logger := zerolog.Ctx(ctx).With().Str("lock_key", key).Logger()

	var once sync.Once

	release := func(ctx context.Context) {
		once.Do(func() {
			lock.RecordHoldDuration(ctx, key, "distributed", time.Since(acquiredAt).Seconds())

			// Hold the entry until atLeastFor has elapsed so the job cannot
			// immediately re-fire on another instance.
			remaining := atLeastFor - time.Since(acquiredAt)
			if remaining <= 0 {
				l.unlock(&logger, mutex)

				return
			}

			time.AfterFunc(remaining, func() {
				l.unlock(&logger, mutex)
			})
		})
	}

	return release, true, nil
}

func (l *Locker) unlock(logger *zerolog.Logger, mutex *redsync.Mutex) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
		// The entry still expires via its TTL.
		logger.Warn().Err(err).Msg("failed to release distributed lock (will expire via TTL)")

		return
	}

	logger.Debug().Msg("released distributed lock")
}
