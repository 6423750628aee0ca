// Package local implements lock.Locker for a single process.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/shortd/shortd/pkg/lock"
)

// Locker implements lock.Locker with an in-process lease table.
type Locker struct {
	mu     sync.Mutex
	leases map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewLocker creates a new local locker.
func NewLocker() *Locker {
	return &Locker{
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

// TryLock attempts to acquire the lock for key without blocking.
func (l *Locker) TryLock(
	ctx context.Context,
	key string,
	atLeastFor, atMostFor time.Duration,
) (lock.Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if until, held := l.leases[key]; held && until.After(now) {
		lock.RecordAcquisition(ctx, key, "local", "contention")

		return nil, false, nil
	}

	l.leases[key] = now.Add(atMostFor)

	lock.RecordAcquisition(ctx, key, "local", "success")

	acquiredAt := now

	var once sync.Once

	release := func(ctx context.Context) {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()

			now := l.now()

			lock.RecordHoldDuration(ctx, key, "local", now.Sub(acquiredAt).Seconds())

			// Keep the lease in place until atLeastFor has elapsed so the
			// job cannot immediately re-fire.
			floor := acquiredAt.Add(atLeastFor)
			if floor.After(now) {
				l.leases[key] = floor
			} else {
				delete(l.leases, key)
			}
		})
	}

	return release, true, nil
}
