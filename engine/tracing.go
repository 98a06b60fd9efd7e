package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkit/engine/session"
)

// instrumentationName is the OTel instrumentation scope name (A3),
// mirroring the teacher's telemetry.InstrumentationName constant.
const instrumentationName = "github.com/flowkit/engine"

// tracer returns a named tracer from tp. A nil tp falls back to the global
// provider, which defaults to a no-op — the same fallback the teacher's
// telemetry.Tracer helper uses, so an engine built with no tracer option
// still runs, it just never exports spans.
func tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

// startTurnSpan opens the root span for one UpdateActivity call (§4.8's
// per-turn run loop), tagged with the identifiers the logger package's
// context keys also carry so traces and logs correlate on the same IDs.
func (e *Engine) startTurnSpan(ctx context.Context, sess *session.Session) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "flowkit.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("user.id", sess.UserID),
		),
	)
}

// NewOTLPTracerProvider builds a TracerProvider that batches spans to an
// OTLP/HTTP collector at endpoint, for passing to WithTracerProvider — the
// "optional OTLP exporter" A3 names. Grounded directly on the teacher's
// runtime/telemetry.NewTracerProvider, generalized only in its service-name
// parameter. The caller owns the returned provider's lifecycle and must
// call Shutdown on it when the host process exits.
func NewOTLPTracerProvider(ctx context.Context, endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// endTurnSpan records the turn's outcome on span and closes it.
func endTurnSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("turn.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
