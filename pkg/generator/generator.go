// Package generator produces batches of base62 identifiers from the durable
// sequence and keeps the shared pool topped up.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortd/shortd/pkg/base62"
	"github.com/shortd/shortd/pkg/retrier"
)

// DefaultBatchSize is the number of identifiers generated per batch.
const DefaultBatchSize = 100

// maxIdentifierLen is the longest base62 rendering of an int64.
const maxIdentifierLen = 11

// ErrBatchContract is returned when a generated batch violates the output
// contract. The condition is transient because the sequence has already
// advanced, so the next attempt works on fresh values.
var ErrBatchContract = errors.New("generated batch violates the output contract")

// Store is the slice of the database the generator needs.
type Store interface {
	NextSequence(ctx context.Context, n int) ([]int64, error)
	InsertIfAbsent(ctx context.Context, hashes []string) (int64, error)
	ClaimAvailable(ctx context.Context, n int) ([]string, error)
}

// Generator turns sequence values into stored identifiers.
type Generator struct {
	store     Store
	batchSize int
	retrier   *retrier.Retrier
	workers   *Workers
}

// New creates a Generator. Background generation tasks run on workers.
func New(store Store, batchSize int, r *retrier.Retrier, workers *Workers) *Generator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Generator{
		store:     store,
		batchSize: batchSize,
		retrier:   r,
		workers:   workers,
	}
}

// BatchSize returns the configured batch size.
func (g *Generator) BatchSize() int { return g.batchSize }

// GenerateBatch draws a batch of sequence values, encodes them and stores
// the identifiers as available. It returns how many rows were inserted;
// identifiers that already existed are skipped silently.
func (g *Generator) GenerateBatch(ctx context.Context) (int64, error) {
	start := time.Now()

	recordGeneration(ctx)

	inserted, err := retrier.Value(ctx, g.retrier, "generator.batch", func(ctx context.Context) (int64, error) {
		seq, err := g.store.NextSequence(ctx, g.batchSize)
		if err != nil {
			return 0, err
		}

		hashes, err := base62.EncodeAll(seq)
		if err != nil {
			return 0, fmt.Errorf("error encoding sequence values: %w", err)
		}

		if err := validateBatch(hashes); err != nil {
			return 0, retrier.Transient(err)
		}

		return g.store.InsertIfAbsent(ctx, hashes)
	})

	recordGenerationDuration(ctx, time.Since(start).Seconds())

	if err != nil {
		recordGenerationError(ctx)

		return 0, fmt.Errorf("error generating an identifier batch: %w", err)
	}

	recordGenerationSuccess(ctx)

	zerolog.Ctx(ctx).Debug().
		Int("batch_size", g.batchSize).
		Int64("inserted", inserted).
		Msg("generated an identifier batch")

	return inserted, nil
}

// GenerateAsync schedules a batch generation on the worker pool. The task
// detaches from the calling context and failures only log. Without a worker
// pool the batch runs inline.
func (g *Generator) GenerateAsync(ctx context.Context) {
	taskCtx := context.WithoutCancel(ctx)

	task := func() {
		if _, err := g.GenerateBatch(taskCtx); err != nil {
			zerolog.Ctx(taskCtx).Error().
				Err(err).
				Msg("background identifier generation failed")
		}
	}

	if g.workers == nil {
		task()

		return
	}

	g.workers.Submit(task)
}

// validateBatch enforces the generation output contract: the batch is
// non-empty and every identifier is non-empty, within length, drawn from the
// base62 alphabet and unique within the batch.
func validateBatch(hashes []string) error {
	if len(hashes) == 0 {
		return fmt.Errorf("%w: empty batch", ErrBatchContract)
	}

	seen := make(map[string]bool, len(hashes))

	for _, h := range hashes {
		if h == "" {
			return fmt.Errorf("%w: empty identifier", ErrBatchContract)
		}

		if len(h) > maxIdentifierLen {
			return fmt.Errorf("%w: identifier %q exceeds %d characters", ErrBatchContract, h, maxIdentifierLen)
		}

		for _, r := range h {
			if !strings.ContainsRune(base62.Alphabet, r) {
				return fmt.Errorf("%w: identifier %q contains %q", ErrBatchContract, h, r)
			}
		}

		if seen[h] {
			return fmt.Errorf("%w: identifier %q repeated", ErrBatchContract, h)
		}

		seen[h] = true
	}

	return nil
}
