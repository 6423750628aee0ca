// Package hashpool keeps a shared Redis list of pre-generated identifiers so
// shortening requests can be served without touching the database.
package hashpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/shortd/shortd/pkg/retrier"
)

// DefaultKey is the Redis list holding pooled identifiers.
const DefaultKey = "hash:pool"

// DefaultMaxSize is the level the refill job tops the pool up to.
const DefaultMaxSize = 1000

// Pool is a FIFO queue of claimable identifiers backed by a Redis list. All
// instances share the same list, so an identifier popped by one instance is
// gone for everyone.
type Pool struct {
	client  *redis.Client
	key     string
	maxSize int
	retrier *retrier.Retrier
}

// New creates a Pool on top of an existing Redis client. Transient Redis
// faults on pool operations are retried with r.
func New(client *redis.Client, key string, maxSize int, r *retrier.Retrier) *Pool {
	if key == "" {
		key = DefaultKey
	}

	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	return &Pool{
		client:  client,
		key:     key,
		maxSize: maxSize,
		retrier: r,
	}
}

// MaxSize returns the configured target size of the pool.
func (p *Pool) MaxSize() int { return p.maxSize }

// Pop takes one identifier off the front of the pool. ok is false when the
// pool is empty.
func (p *Pool) Pop(ctx context.Context) (string, bool, error) {
	hash, err := retrier.Value(ctx, p.retrier, "hashpool.pop", func(ctx context.Context) (string, error) {
		return p.client.LPop(ctx, p.key).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			recordMiss(ctx)

			return "", false, nil
		}

		return "", false, fmt.Errorf("error popping from the hash pool: %w", err)
	}

	recordHit(ctx)

	return hash, true, nil
}

// Push appends identifiers to the back of the pool.
func (p *Pool) Push(ctx context.Context, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}

	vals := make([]any, 0, len(hashes))
	for _, h := range hashes {
		vals = append(vals, h)
	}

	err := p.retrier.Do(ctx, "hashpool.push", func(ctx context.Context) error {
		return p.client.RPush(ctx, p.key, vals...).Err()
	})
	if err != nil {
		return fmt.Errorf("error pushing to the hash pool: %w", err)
	}

	return nil
}

// Return gives an identifier back after an aborted assignment. It lands at
// the back of the pool.
func (p *Pool) Return(ctx context.Context, hash string) error {
	err := p.retrier.Do(ctx, "hashpool.return", func(ctx context.Context) error {
		return p.client.RPush(ctx, p.key, hash).Err()
	})
	if err != nil {
		return fmt.Errorf("error returning %q to the hash pool: %w", hash, err)
	}

	recordReturn(ctx)

	return nil
}

// Size returns the number of identifiers currently pooled and records it on
// the pool size gauge.
func (p *Pool) Size(ctx context.Context) (int64, error) {
	size, err := retrier.Value(ctx, p.retrier, "hashpool.size", func(ctx context.Context) (int64, error) {
		return p.client.LLen(ctx, p.key).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("error measuring the hash pool: %w", err)
	}

	recordSize(ctx, size)

	return size, nil
}
