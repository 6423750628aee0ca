// Package cleaner expires old mappings and recycles their identifiers.
//
// Expiry runs as a compensating saga: identifiers are released back to the
// available state before their mappings are deleted, so readers never
// observe a mapping whose identifier is unaccounted for. When a shutdown
// lands between the two steps, the just-released rows are removed again to
// keep the table from accumulating orphan available identifiers.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/shortd/shortd/pkg/lock"
	"github.com/shortd/shortd/pkg/retrier"
)

// Lock parameters for the cleanup job.
const (
	CleanLockKey        = "cleanOldUrls"
	CleanLockAtLeastFor = 5 * time.Minute
	CleanLockAtMostFor  = time.Hour
)

// Defaults for the cleanup policy.
const (
	DefaultRetention = 365 * 24 * time.Hour
	DefaultBatchSize = 1000
)

// errInterrupted terminates a run after a mid-batch shutdown. It is never
// retried and never surfaces to the caller.
var errInterrupted = errors.New("cleanup interrupted by shutdown")

// Store is the slice of the database the cleaner needs.
type Store interface {
	FindOldHashes(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ReleaseAvailable(ctx context.Context, hashes []string) error
	DeleteURLsByHashes(ctx context.Context, hashes []string) (int64, error)
	DeleteHashes(ctx context.Context, hashes []string) (int64, error)
}

// Config holds the cleanup policy parameters.
type Config struct {
	// Retention is how long mappings live. Zero selects DefaultRetention.
	Retention time.Duration

	// BatchSize caps how many mappings one batch processes. Zero selects
	// DefaultBatchSize.
	BatchSize int
}

// Cleaner deletes mappings past their retention and releases their
// identifiers.
type Cleaner struct {
	store   Store
	locker  lock.Locker
	retrier *retrier.Retrier

	retention time.Duration
	batchSize int

	shuttingDown atomic.Bool

	cron *cron.Cron
}

// New creates a Cleaner. The retrier guards each (release, delete) pair.
func New(store Store, locker lock.Locker, r *retrier.Retrier, cfg Config) *Cleaner {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	return &Cleaner{
		store:     store,
		locker:    locker,
		retrier:   r,
		retention: cfg.Retention,
		batchSize: cfg.BatchSize,
	}
}

// Shutdown makes the running and any future cleanup stop at the next safe
// point.
func (c *Cleaner) Shutdown() {
	c.shuttingDown.Store(true)
}

// Clean processes expired mappings in batches until none remain. Only one
// instance cleans at a time; the others skip the tick.
func (c *Cleaner) Clean(ctx context.Context) error {
	release, ok, err := c.locker.TryLock(ctx, CleanLockKey, CleanLockAtLeastFor, CleanLockAtMostFor)
	if err != nil {
		return fmt.Errorf("error acquiring the cleanup lock: %w", err)
	}

	if !ok {
		zerolog.Ctx(ctx).Debug().Msg("another instance is cleaning up")

		return nil
	}

	defer release(ctx)

	cutoff := time.Now().Add(-c.retention)

	for {
		if c.shuttingDown.Load() {
			zerolog.Ctx(ctx).Info().Msg("cleanup stopping before the next batch")

			return nil
		}

		hashes, err := c.store.FindOldHashes(ctx, cutoff, c.batchSize)
		if err != nil {
			return fmt.Errorf("error finding expired mappings: %w", err)
		}

		if len(hashes) == 0 {
			return nil
		}

		if err := c.cleanBatch(ctx, hashes); err != nil {
			if errors.Is(err, errInterrupted) {
				return nil
			}

			return err
		}
	}
}

// cleanBatch releases the identifiers, then deletes their mappings. Both
// steps are idempotent, so the pair retries as a unit.
func (c *Cleaner) cleanBatch(ctx context.Context, hashes []string) error {
	err := c.retrier.Do(ctx, "cleaner.batch", func(ctx context.Context) error {
		if err := c.store.ReleaseAvailable(ctx, hashes); err != nil {
			return err
		}

		if c.shuttingDown.Load() {
			// Shutdown landed between release and delete: take the released
			// rows back out so they cannot be handed to new mappings while
			// their old mappings still exist.
			if _, err := c.store.DeleteHashes(ctx, hashes); err != nil {
				zerolog.Ctx(ctx).Error().
					Err(err).
					Int("batch", len(hashes)).
					Msg("failed to compensate a released batch")
			}

			return errInterrupted
		}

		if _, err := c.store.DeleteURLsByHashes(ctx, hashes); err != nil {
			return err
		}

		return nil
	})
	if err != nil && !errors.Is(err, errInterrupted) {
		return fmt.Errorf("error cleaning a batch of %d mappings: %w", len(hashes), err)
	}

	if err == nil {
		zerolog.Ctx(ctx).Info().
			Int("batch", len(hashes)).
			Msg("expired mappings cleaned")
	}

	return err
}

// SetupCron creates a cron instance in the cleaner.
func (c *Cleaner) SetupCron(ctx context.Context, timezone *time.Location) {
	var opts []cron.Option
	if timezone != nil {
		opts = append(opts, cron.WithLocation(timezone))
	}

	c.cron = cron.New(opts...)

	zerolog.Ctx(ctx).Info().Msg("cleanup cron setup complete")
}

// AddCleanCronJob schedules the cleanup job.
func (c *Cleaner) AddCleanCronJob(ctx context.Context, schedule cron.Schedule) {
	zerolog.Ctx(ctx).Info().
		Time("next-run", schedule.Next(time.Now())).
		Msg("adding a cronjob for mapping cleanup")

	c.cron.Schedule(schedule, cron.FuncJob(func() {
		if err := c.Clean(ctx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("mapping cleanup failed")
		}
	}))
}

// StartCron starts the cron scheduler in its own go-routine.
func (c *Cleaner) StartCron(ctx context.Context) {
	zerolog.Ctx(ctx).Info().Msg("starting the cleanup cron scheduler")

	c.cron.Start()
}

// Close stops the cron scheduler and waits for a running cleanup to finish.
func (c *Cleaner) Close() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}
