// Package tracing initializes the OpenTelemetry tracer used to span
// each producer tick and each consumer event application, grounded on
// the teacher's services/trace/telemetry package: an otlptracegrpc
// exporter behind a batching TracerProvider, set as the process-global
// tracer via otel.SetTracerProvider so every package can call
// otel.Tracer(instrumentationName) without threading a provider
// through every constructor.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	apitrace "go.opentelemetry.io/otel/trace"
)

var ErrNilContext = errors.New("tracing: nil context")

// Config controls the tracer the Producer or Consumer process starts.
type Config struct {
	Enabled     bool
	ServiceName string
	OTLPTarget  string
	Insecure    bool
}

// Init starts an OTLP/gRPC tracer provider and installs it as the
// process-global tracer provider. The returned shutdown func must be
// called on process exit to flush pending spans; Init returns a no-op
// shutdown when cfg.Enabled is false so callers never need a nil check.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPTarget)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer is the instrumentation-scoped tracer every component should
// use to start a span, rather than calling otel.Tracer directly at
// every call site.
func Tracer(instrumentationName string) apitrace.Tracer {
	return otel.Tracer(instrumentationName)
}
