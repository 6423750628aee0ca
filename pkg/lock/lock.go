// Package lock defines the scheduler lock used to keep periodic jobs from
// running on more than one instance at a time.
//
// A lock is acquired for a named job with two horizons: atMostFor bounds how
// long a crashed holder can wedge the job, and atLeastFor keeps the job from
// re-firing on another instance right after a fast run. Implementations can
// be local (single instance) or distributed (Redis).
package lock

import (
	"context"
	"time"
)

// Release gives a lock back. Implementations keep the lock nominally held
// until atLeastFor has elapsed since acquisition, even when Release is
// called earlier. Release is idempotent.
type Release func(ctx context.Context)

// Locker hands out named, non-blocking, lease-style locks.
type Locker interface {
	// TryLock attempts to acquire the lock for key without blocking.
	//
	// Returns:
	//   - (release, true, nil) if the lock was acquired
	//   - (nil, false, nil) if the lock is held elsewhere
	//   - (nil, false, error) if an error occurred
	//
	// The lock expires on its own after atMostFor if never released.
	TryLock(ctx context.Context, key string, atLeastFor, atMostFor time.Duration) (Release, bool, error)
}
