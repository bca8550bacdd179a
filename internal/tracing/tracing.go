// Package tracing wraps the OpenTelemetry tracer this bridge uses to export
// one span per inspector_call, independent of the CallTrace metadata
// already attached to every CallToolResult.
package tracing

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/inspectorbridge/mcp-bridge/internal/config"
)

// Common attribute keys for inspector_call spans.
var (
	AttrToolName  = attribute.Key("inspector.tool_name")
	AttrRunID     = attribute.Key("inspector.run_id")
	AttrTransport = attribute.Key("inspector.transport")
	AttrStream    = attribute.Key("inspector.stream")
)

// The package-level tracer starts as a no-op so StartCall is always safe to
// call; Init swaps in a real one when tracing is enabled. shutdown flushes
// whatever Init set up.
var (
	tracer   trace.Tracer = noop.NewTracerProvider().Tracer("")
	shutdown func(context.Context) error
)

// Init configures the global tracer from cfg. When tracing is disabled the
// no-op tracer stays in place and callers never need to branch on it.
func Init(ctx context.Context, cfg config.TracingConfig) error {
	if !cfg.Enabled {
		tracer = noop.NewTracerProvider().Tracer("")
		shutdown = nil
		return nil
	}

	exporter, err := exporterFor(ctx, cfg)
	if err != nil {
		return err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("build tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tracer = tp.Tracer(cfg.ServiceName)
	shutdown = tp.Shutdown
	return nil
}

// exporterFor builds the span exporter cfg names. The stdout exporter is
// pointed at stderr: stdout belongs to the MCP stdio framing, and a span
// dump there would corrupt the upstream client's stream.
func exporterFor(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp", "otlp-http":
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}
}

// samplerFor honors the propagated parent decision and ratio-samples root
// spans; rates at or above 1 (and nonsense negative rates) sample always.
func samplerFor(rate float64) sdktrace.Sampler {
	if rate >= 1 || rate < 0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Shutdown flushes and stops the tracer provider, a no-op when tracing was
// never enabled.
func Shutdown(ctx context.Context) error {
	if shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return shutdown(ctx)
}

// StartCall opens the span for one inspector_call invocation.
func StartCall(ctx context.Context, toolName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{AttrToolName.String(toolName)}, attrs...)
	return tracer.Start(ctx, "inspector_call", trace.WithAttributes(all...), trace.WithSpanKind(trace.SpanKindClient))
}

// End records the call's outcome on the span and closes it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
