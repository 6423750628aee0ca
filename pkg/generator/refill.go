package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/shortd/shortd/pkg/lock"
)

// Lock parameters for the refill job. One instance tops the pool up per
// tick; atLeastFor keeps a fast run from re-firing elsewhere right away and
// atMostFor unjams the job if the holder dies mid-refill.
const (
	RefillLockKey        = "generateHashBatch"
	RefillLockAtLeastFor = 30 * time.Second
	RefillLockAtMostFor  = 5 * time.Minute
)

// WarmupRounds is how many refill passes run at startup before the server
// accepts traffic.
const WarmupRounds = 3

// Pool is the slice of the identifier pool the refiller needs.
type Pool interface {
	Size(ctx context.Context) (int64, error)
	Push(ctx context.Context, hashes ...string) error
	MaxSize() int
}

// Refiller tops the shared pool up to its target size on a schedule.
type Refiller struct {
	pool   Pool
	gen    *Generator
	locker lock.Locker
	cron   *cron.Cron
}

// NewRefiller creates a Refiller.
func NewRefiller(pool Pool, gen *Generator, locker lock.Locker) *Refiller {
	return &Refiller{pool: pool, gen: gen, locker: locker}
}

// Refill claims available identifiers and pushes them into the pool until
// it reaches its target size, generating fresh batches when the table runs
// out of claimable rows. Only one instance refills at a time; the others
// skip the tick.
func (r *Refiller) Refill(ctx context.Context) error {
	release, ok, err := r.locker.TryLock(ctx, RefillLockKey, RefillLockAtLeastFor, RefillLockAtMostFor)
	if err != nil {
		return fmt.Errorf("error acquiring the refill lock: %w", err)
	}

	if !ok {
		zerolog.Ctx(ctx).Debug().Msg("another instance is refilling the pool")

		return nil
	}

	defer release(ctx)

	return r.topUp(ctx)
}

// topUp is the lockless body of Refill.
func (r *Refiller) topUp(ctx context.Context) error {
	// Kick off a batch in the background so claimable rows keep pace with
	// the pool even when the top-up below finds enough of them.
	r.gen.GenerateAsync(ctx)

	size, err := r.pool.Size(ctx)
	if err != nil {
		return err
	}

	deficit := r.pool.MaxSize() - int(size)

	for deficit > 0 {
		n := min(deficit, r.gen.BatchSize())

		claimed, err := r.gen.store.ClaimAvailable(ctx, n)
		if err != nil {
			return fmt.Errorf("error claiming identifiers for the pool: %w", err)
		}

		if len(claimed) == 0 {
			if _, err := r.gen.GenerateBatch(ctx); err != nil {
				return err
			}

			claimed, err = r.gen.store.ClaimAvailable(ctx, n)
			if err != nil {
				return fmt.Errorf("error claiming identifiers for the pool: %w", err)
			}

			// A fresh batch can be fully absorbed by concurrent claimers;
			// give up on this tick rather than spin.
			if len(claimed) == 0 {
				break
			}
		}

		if err := r.pool.Push(ctx, claimed...); err != nil {
			return err
		}

		deficit -= len(claimed)
	}

	// Refresh the pool size gauge.
	if _, err := r.pool.Size(ctx); err != nil {
		return err
	}

	return nil
}

// Warmup runs refill passes at startup so the pool is populated before the
// first request. The passes run unlocked and unconditionally; the lock's
// atLeastFor hold would otherwise collapse them into a single round.
func (r *Refiller) Warmup(ctx context.Context) error {
	for i := range WarmupRounds {
		if err := r.topUp(ctx); err != nil {
			return fmt.Errorf("error warming up the pool (round %d): %w", i+1, err)
		}
	}

	return nil
}

// SetupCron creates a cron instance in the refiller.
func (r *Refiller) SetupCron(ctx context.Context, timezone *time.Location) {
	var opts []cron.Option
	if timezone != nil {
		opts = append(opts, cron.WithLocation(timezone))
	}

	r.cron = cron.New(opts...)

	zerolog.Ctx(ctx).Info().Msg("refill cron setup complete")
}

// AddRefillCronJob schedules the refill job.
func (r *Refiller) AddRefillCronJob(ctx context.Context, schedule cron.Schedule) {
	zerolog.Ctx(ctx).Info().
		Time("next-run", schedule.Next(time.Now())).
		Msg("adding a cronjob for pool refill")

	r.cron.Schedule(schedule, cron.FuncJob(func() {
		if err := r.Refill(ctx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("pool refill failed")
		}
	}))
}

// StartCron starts the cron scheduler in its own go-routine.
func (r *Refiller) StartCron(ctx context.Context) {
	zerolog.Ctx(ctx).Info().Msg("starting the refill cron scheduler")

	r.cron.Start()
}

// Close stops the cron scheduler and waits for a running refill to finish.
func (r *Refiller) Close() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}
