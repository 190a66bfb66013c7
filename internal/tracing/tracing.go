// Package tracing provides shared OTel tracer initialization for the
// control plane's transport and orchestration layers.
//
// Real tracing requires OTEL_EXPORTER_OTLP_ENDPOINT to be set. Without it a
// no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "sandboxctl-backend"

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

func initTracing() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

// RecordError marks the span failed with the given error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

const (
	bridgeTracerName  = "sandboxctl-bridge"
	sessionTracerName = "sandboxctl-session"
)

// TraceBridgeConnect creates a span for dialing one sandbox's bridge.
func TraceBridgeConnect(ctx context.Context, sandboxID string) (context.Context, trace.Span) {
	ctx, span := Tracer(bridgeTracerName).Start(ctx, "bridge.connect",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(attribute.String("sandbox_id", sandboxID))
	return ctx, span
}

// TraceBridgeCommand creates a span for one command round-trip to a bridge.
func TraceBridgeCommand(ctx context.Context, sandboxID, action string) (context.Context, trace.Span) {
	ctx, span := Tracer(bridgeTracerName).Start(ctx, "bridge.command",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("sandbox_id", sandboxID),
		attribute.String("action", action),
	)
	return ctx, span
}

// TracePromptTurn creates a span covering one prompt turn of the session
// state machine, from submission to terminal transition.
func TracePromptTurn(ctx context.Context, chatID, sandboxID string) (context.Context, trace.Span) {
	ctx, span := Tracer(sessionTracerName).Start(ctx, "session.prompt_turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("chat_id", chatID),
		attribute.String("sandbox_id", sandboxID),
	)
	return ctx, span
}

// TraceTurnOutcome records the terminal state of a prompt turn on its span.
func TraceTurnOutcome(span trace.Span, outcome string, retried bool) {
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("retried", retried),
	)
}
