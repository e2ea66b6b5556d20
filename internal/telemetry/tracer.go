// Package telemetry configures the OpenTelemetry trace pipeline. Spans are
// written to stdout; the deployment environment decides formatting and
// sampling so trace volume stays proportional to traffic outside dev.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

// serviceVersion is stamped on every span's resource.
const serviceVersion = "0.1.0"

// prodSampleRatio is the head-sampling ratio outside dev.
const prodSampleRatio = 0.1

// TracerProvider is the global tracer provider
var TracerProvider *sdktrace.TracerProvider

// InitTracer initializes the OpenTelemetry tracer for the given deployment
// environment. Dev gets pretty-printed spans at full sampling; anything else
// gets compact output with ratio-based head sampling.
func InitTracer(serviceName, env string) (*sdktrace.TracerProvider, error) {
	var exporterOpts []stdouttrace.Option
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(prodSampleRatio))
	if env == "dev" {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
		sampler = sdktrace.AlwaysSample()
	}

	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("deployment.environment", env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	TracerProvider = tp

	return tp, nil
}

// ShutdownTracer flushes and shuts down the tracer provider.
func ShutdownTracer(ctx context.Context) {
	if TracerProvider != nil {
		if err := TracerProvider.Shutdown(ctx); err != nil {
			slog.Error("tracer provider shutdown failed", "error", err)
		}
	}
}
