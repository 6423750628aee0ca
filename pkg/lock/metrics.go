package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/shortd/shortd/pkg/lock"

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// lockAcquisitionsTotal tracks lock acquisition attempts.
	//nolint:gochecknoglobals
	lockAcquisitionsTotal metric.Int64Counter

	// lockHoldDuration tracks how long locks are held.
	//nolint:gochecknoglobals
	lockHoldDuration metric.Float64Histogram
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	lockAcquisitionsTotal, err = meter.Int64Counter(
		"lock.acquisition",
		metric.WithDescription("Number of scheduler lock acquisition attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(err)
	}

	lockHoldDuration, err = meter.Float64Histogram(
		"lock.hold.duration",
		metric.WithDescription("Duration scheduler locks are held"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

// RecordAcquisition records a lock acquisition attempt. mode is "local" or
// "distributed"; result is "success", "contention" or "error".
func RecordAcquisition(ctx context.Context, key, mode, result string) {
	lockAcquisitionsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("key", key),
			attribute.String("mode", mode),
			attribute.String("result", result),
		),
	)
}

// RecordHoldDuration records how long a lock was held, in seconds.
func RecordHoldDuration(ctx context.Context, key, mode string, seconds float64) {
	lockHoldDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("key", key),
			attribute.String("mode", mode),
		),
	)
}
