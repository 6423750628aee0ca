package ratelimit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/shortd/shortd/pkg/ratelimit"

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	//nolint:gochecknoglobals
	limitExceeded metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	limitExceeded, err = meter.Int64Counter(
		"rate.limit.exceeded",
		metric.WithDescription("Shortening requests refused by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}
}

func recordExceeded(ctx context.Context, principalType string) {
	limitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("principal", principalType)))
}
