// Package tracing sets up the OpenTelemetry tracer provider shared by the
// Listener and Worker processes, and carries span context across the IPC
// boundary between them.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/addison-moore/fleetrunner/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Init sets up a global tracer provider exporting via OTLP/gRPC to
// cfg.Endpoint. If cfg is disabled, it installs a no-op provider so callers
// never need to branch on whether tracing is configured.
func Init(ctx context.Context, cfg config.TracingConfig, serviceName string) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	exp, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp grpc exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// carrier adapts a single string field to propagation.TextMapCarrier so a
// traceparent can ride in JobMessage.TraceParent across the IPC boundary
// instead of HTTP headers.
type carrier struct {
	value string
}

func (c *carrier) Get(key string) string {
	if key == "traceparent" {
		return c.value
	}
	return ""
}

func (c *carrier) Set(key, value string) {
	if key == "traceparent" {
		c.value = value
	}
}

func (c *carrier) Keys() []string { return []string{"traceparent"} }

// Inject extracts the W3C traceparent value for ctx's current span, for
// embedding in a JobMessage before it crosses into a Worker process.
func Inject(ctx context.Context) string {
	c := &carrier{}
	otel.GetTextMapPropagator().Inject(ctx, c)
	return c.value
}

// Extract rehydrates a remote span context from a traceparent value
// received from the Listener, so a Worker's spans nest under the job's
// original trace.
func Extract(ctx context.Context, traceParent string) context.Context {
	if traceParent == "" {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &carrier{value: traceParent})
}
