package shortener

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/shortd/shortd/pkg/shortener"

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	//nolint:gochecknoglobals
	creationTotal metric.Int64Counter

	//nolint:gochecknoglobals
	creationSuccess metric.Int64Counter

	//nolint:gochecknoglobals
	creationFailure metric.Int64Counter

	//nolint:gochecknoglobals
	creationDuration metric.Float64Histogram

	//nolint:gochecknoglobals
	redirectTotal metric.Int64Counter

	//nolint:gochecknoglobals
	redirectSuccess metric.Int64Counter

	//nolint:gochecknoglobals
	redirectNotFound metric.Int64Counter

	//nolint:gochecknoglobals
	redirectDuration metric.Float64Histogram

	//nolint:gochecknoglobals
	urlConflicts metric.Int64Counter

	//nolint:gochecknoglobals
	urlValidationFailures metric.Int64Counter

	//nolint:gochecknoglobals
	redirectValidationFailures metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&creationTotal, "url.creation.total", "Shortening requests received", "{request}"},
		{&creationSuccess, "url.creation.success", "Shortening requests completed", "{request}"},
		{&creationFailure, "url.creation.failure", "Shortening requests failed", "{request}"},
		{&redirectTotal, "url.redirect.total", "Resolution requests received", "{request}"},
		{&redirectSuccess, "url.redirect.success", "Resolution requests completed", "{request}"},
		{&redirectNotFound, "url.redirect.not_found", "Resolution requests for unknown identifiers", "{request}"},
		{&urlConflicts, "url.conflict", "Shortening requests that lost a uniqueness race", "{request}"},
		{&urlValidationFailures, "url.validation.failure", "Shortening requests rejected by validation", "{request}"},
		{&redirectValidationFailures, "redirect.validation.failure", "Resolutions rejected by redirect validation", "{request}"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(
			c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			panic(err)
		}

		*c.dst = counter
	}

	var err error

	creationDuration, err = meter.Float64Histogram(
		"url.creation.duration",
		metric.WithDescription("Duration of shortening requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}

	redirectDuration, err = meter.Float64Histogram(
		"url.redirect.duration",
		metric.WithDescription("Duration of resolution requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

func recordCreation(ctx context.Context)        { creationTotal.Add(ctx, 1) }
func recordCreationSuccess(ctx context.Context) { creationSuccess.Add(ctx, 1) }

func recordCreationFailure(ctx context.Context, kind string) {
	creationFailure.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func recordCreationDuration(ctx context.Context, seconds float64) {
	creationDuration.Record(ctx, seconds)
}

func recordRedirect(ctx context.Context)         { redirectTotal.Add(ctx, 1) }
func recordRedirectSuccess(ctx context.Context)  { redirectSuccess.Add(ctx, 1) }
func recordRedirectNotFound(ctx context.Context) { redirectNotFound.Add(ctx, 1) }

func recordRedirectDuration(ctx context.Context, seconds float64) {
	redirectDuration.Record(ctx, seconds)
}

func recordConflict(ctx context.Context, kind string) {
	urlConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
func recordValidationFailure(ctx context.Context)         { urlValidationFailures.Add(ctx, 1) }
func recordRedirectValidationFailure(ctx context.Context) { redirectValidationFailures.Add(ctx, 1) }
