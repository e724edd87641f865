package tracing

import (
	"context"
	"testing"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitDisabledInstallsNoopProvider(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{Enabled: false}, "fleetrunner-test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInjectExtractRoundTrips(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "parent")
	defer span.End()

	traceParent := Inject(ctx)
	require.NotEmpty(t, traceParent, "Inject() returned empty traceparent")

	extracted := Extract(context.Background(), traceParent)
	gotSpan := trace.SpanContextFromContext(extracted)
	wantSpan := trace.SpanContextFromContext(ctx)
	assert.Equal(t, wantSpan.TraceID(), gotSpan.TraceID())
	assert.Equal(t, wantSpan.SpanID(), gotSpan.SpanID())
}

func TestExtractEmptyTraceParentIsNoop(t *testing.T) {
	ctx := context.Background()
	assert.Same(t, ctx, Extract(ctx, ""))
}
