package generator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/shortd/shortd/pkg/generator"

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	//nolint:gochecknoglobals
	generationTotal metric.Int64Counter

	//nolint:gochecknoglobals
	generationSuccess metric.Int64Counter

	//nolint:gochecknoglobals
	generationError metric.Int64Counter

	//nolint:gochecknoglobals
	generationOnTheFly metric.Int64Counter

	//nolint:gochecknoglobals
	generationDuration metric.Float64Histogram
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	generationTotal, err = meter.Int64Counter(
		"hash.generation.total",
		metric.WithDescription("Identifier batch generations attempted"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		panic(err)
	}

	generationSuccess, err = meter.Int64Counter(
		"hash.generation.success",
		metric.WithDescription("Identifier batch generations completed"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		panic(err)
	}

	generationError, err = meter.Int64Counter(
		"hash.generation.error",
		metric.WithDescription("Identifier batch generations failed"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		panic(err)
	}

	generationOnTheFly, err = meter.Int64Counter(
		"hash.generation.on_the_fly",
		metric.WithDescription("Batch generations triggered from the request path"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		panic(err)
	}

	generationDuration, err = meter.Float64Histogram(
		"hash.generation.duration",
		metric.WithDescription("Duration of identifier batch generations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

func recordGeneration(ctx context.Context)        { generationTotal.Add(ctx, 1) }
func recordGenerationSuccess(ctx context.Context) { generationSuccess.Add(ctx, 1) }
func recordGenerationError(ctx context.Context)   { generationError.Add(ctx, 1) }

// RecordOnTheFly notes an identifier generated inline on the request path
// because both the pool and the claimable rows ran out.
func RecordOnTheFly(ctx context.Context) { generationOnTheFly.Add(ctx, 1) }

func recordGenerationDuration(ctx context.Context, seconds float64) {
	generationDuration.Record(ctx, seconds)
}
