// Package tracing sets up an optional OpenTelemetry OTLP exporter and
// tracer provider, gated by an environment variable since a sandbox broker
// normally runs with no collector present. It starts no spans itself, and
// neither the broker nor the supervisor records spans with the tracer it
// returns.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const enableEnvVar = "ZYPAK_OTLP_ENDPOINT"

// Shutdown flushes and tears down the tracer provider; it is a no-op when
// tracing was never enabled.
type Shutdown func(context.Context) error

// Init enables tracing when ZYPAK_OTLP_ENDPOINT is set, pointing the OTLP
// gRPC exporter at that endpoint. Otherwise it installs a no-op tracer
// provider so callers never need to branch on whether tracing is live.
func Init(ctx context.Context) (trace.Tracer, Shutdown, error) {
	endpoint := os.Getenv(enableEnvVar)
	if endpoint == "" {
		return otel.Tracer("zypak"), func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName("zypak-sandbox")))
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Tracer("zypak"), tp.Shutdown, nil
}
