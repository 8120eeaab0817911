// Package telemetry wires OpenTelemetry tracing for the scheduler core: a
// computation's claim, user-function invocation, and completion share one
// span tree so its lifecycle is traceable end to end, and sweeper ticks get
// their own span per pass.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Shutdown flushes and closes the tracer provider. Callers should defer it
// from main, mirroring the orchestrator entrypoint's other graceful-shutdown
// hooks.
type Shutdown func(context.Context) error

// Config controls whether and where traces are exported.
type Config struct {
	// Enabled gates exporter setup entirely. When false, Init installs a
	// no-op tracer provider so callers never need to branch on whether
	// tracing is on.
	Enabled bool
	// OTLPEndpoint is the collector's gRPC endpoint, e.g. "localhost:4317".
	OTLPEndpoint string
	ServiceName  string
}

// Init installs the global TracerProvider per cfg and returns its shutdown
// hook. On exporter construction failure it returns an error; callers may
// fall back to tracing disabled.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("merge resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the globally installed provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
