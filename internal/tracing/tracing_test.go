package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/inspectorbridge/mcp-bridge/internal/config"
)

func TestStartCallNoopByDefault(t *testing.T) {
	ctx, span := StartCall(context.Background(), "inspector_call")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	End(span, nil)
}

func TestStartCallRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := tracer
	tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")
	defer func() { tracer = prev }()

	_, span := StartCall(context.Background(), "inspector_call")
	End(span, errors.New("boom"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, codes.Error, ended[0].Status().Code)
	require.Equal(t, "boom", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
}

func TestInitDisabledIsNoop(t *testing.T) {
	require.NoError(t, Init(context.Background(), config.TracingConfig{Enabled: false}))
	require.NoError(t, Shutdown(context.Background()))
}
