package urlcache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/shortd/shortd/pkg/urlcache"

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	//nolint:gochecknoglobals
	cacheHits metric.Int64Counter

	//nolint:gochecknoglobals
	cacheMisses metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	cacheHits, err = meter.Int64Counter(
		"url.cache.hit",
		metric.WithDescription("Mapping lookups served from the cache"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		panic(err)
	}

	cacheMisses, err = meter.Int64Counter(
		"url.cache.miss",
		metric.WithDescription("Mapping lookups that missed the cache"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		panic(err)
	}
}

func recordHit(ctx context.Context, direction string) {
	cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

func recordMiss(ctx context.Context, direction string) {
	cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}
