// Package prometheus exports the OpenTelemetry metrics in Prometheus format.
package prometheus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"

	promclient "github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// SetupPrometheusMetrics configures OpenTelemetry to export metrics through a
// dedicated Prometheus registry and installs the meter provider globally. The
// returned gatherer backs the /metrics endpoint.
func SetupPrometheusMetrics(res *resource.Resource) (promclient.Gatherer, func(context.Context) error, error) {
	registry := promclient.NewRegistry()

	exporter, err := promexporter.New(
		promexporter.WithRegisterer(registry),
	)
	if err != nil {
		return nil, nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	return registry, meterProvider.Shutdown, nil
}
