// Package telemetry configures OpenTelemetry tracing for flarealert.
//
// Custom span attributes use the `flarealert.` prefix.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName  = "github.com/solarwatch/flarealert"
	serviceName = "flarealert"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs the W3C trace-context propagator and, when
// endpoint is set, an OTLP gRPC exporter. Exporter errors are logged to
// logger. Returns a shutdown function that must be called on exit.
func InitTraceProvider(ctx context.Context, endpoint, version string, logger *zap.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if logger != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			logger.Warn("otel export error", zap.Error(err))
		}))
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// InjectHeaders writes the span context of ctx into outgoing headers so
// webhook receivers can join the trace.
func InjectHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// --- Span helpers ---

// StartIngestSpan creates the parent span for one incoming prediction.
func StartIngestSpan(ctx context.Context, source, predictionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "prediction.ingest",
		trace.WithAttributes(
			attribute.String("flarealert.source", source),
			attribute.String("flarealert.prediction_id", predictionID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndIngestSpan records what the prediction fired.
func EndIngestSpan(span trace.Span, candidates, broadcast int, err error) {
	span.SetAttributes(
		attribute.Int("flarealert.candidates", candidates),
		attribute.Int("flarealert.broadcast", broadcast),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartAttemptSpan creates a span for one delivery attempt.
func StartAttemptSpan(ctx context.Context, notificationID, channel string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "notification.attempt",
		trace.WithAttributes(
			attribute.String("flarealert.notification_id", notificationID),
			attribute.String("flarealert.channel", channel),
			attribute.Int("flarealert.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// EndAttemptSpan enriches the attempt span with its outcome. A non-empty
// reason marks the span as failed.
func EndAttemptSpan(span trace.Span, outcome, reason string) {
	span.SetAttributes(attribute.String("flarealert.outcome", outcome))
	if reason != "" {
		span.SetAttributes(attribute.String("flarealert.reason", reason))
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}
