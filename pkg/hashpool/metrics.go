package hashpool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/shortd/shortd/pkg/hashpool"

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// poolSize tracks the current depth of the pool.
	//nolint:gochecknoglobals
	poolSize metric.Int64Gauge

	// cacheHits counts pops served from the pool.
	//nolint:gochecknoglobals
	cacheHits metric.Int64Counter

	// cacheMisses counts pops that found the pool empty.
	//nolint:gochecknoglobals
	cacheMisses metric.Int64Counter

	// cacheFallbacks counts identifier claims that bypassed the pool.
	//nolint:gochecknoglobals
	cacheFallbacks metric.Int64Counter

	// cacheReturns counts identifiers given back after aborted assignments.
	//nolint:gochecknoglobals
	cacheReturns metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	poolSize, err = meter.Int64Gauge(
		"hash.pool.size",
		metric.WithDescription("Number of identifiers currently in the pool"),
		metric.WithUnit("{identifier}"),
	)
	if err != nil {
		panic(err)
	}

	cacheHits, err = meter.Int64Counter(
		"hash.cache.hit",
		metric.WithDescription("Identifier requests served from the pool"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}

	cacheMisses, err = meter.Int64Counter(
		"hash.cache.miss",
		metric.WithDescription("Identifier requests that found the pool empty"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}

	cacheFallbacks, err = meter.Int64Counter(
		"hash.cache.fallback",
		metric.WithDescription("Identifier requests served by claiming from the database"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}

	cacheReturns, err = meter.Int64Counter(
		"hash.cache.return",
		metric.WithDescription("Identifiers returned to the pool after aborted assignments"),
		metric.WithUnit("{identifier}"),
	)
	if err != nil {
		panic(err)
	}
}

func recordSize(ctx context.Context, size int64) { poolSize.Record(ctx, size) }
func recordHit(ctx context.Context)              { cacheHits.Add(ctx, 1) }
func recordMiss(ctx context.Context)             { cacheMisses.Add(ctx, 1) }
func recordReturn(ctx context.Context)           { cacheReturns.Add(ctx, 1) }

// RecordFallback notes an identifier claim that bypassed the pool. Called by
// the assignment path when it falls through to the database.
func RecordFallback(ctx context.Context) { cacheFallbacks.Add(ctx, 1) }
