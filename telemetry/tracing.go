// Package telemetry wires OpenTelemetry tracing into publish and delivery,
// and carries W3C trace context inside message headers.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer with router-specific spans.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the process tracer.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the process tracer, or a no-op tracer if none is set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// StartSpan starts a span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartPublishSpan starts the producer span for a publish.
func (t *Tracer) StartPublishSpan(ctx context.Context, topic, messageID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "hermes"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", messageID),
		))
}

// StartDeliverySpan starts the span for one delivery attempt. ctx should
// carry the context extracted from the message headers.
func (t *Tracer) StartDeliverySpan(ctx context.Context, topic, messageID, subscriber string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "deliver "+topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "hermes"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", messageID),
			attribute.String("hermes.subscriber", subscriber),
			attribute.Int("hermes.attempt", attempt),
		))
}

// StartRequestSpan starts the client span for a direct request.
func (t *Tracer) StartRequestSpan(ctx context.Context, target string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "request "+target,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("hermes.target", target)))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var headerPropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// Inject writes the trace context of ctx into headers. headers must be
// non-nil.
func Inject(ctx context.Context, headers map[string]string) {
	headerPropagator.Inject(ctx, propagation.MapCarrier(headers))
}

// Extract returns ctx enriched with the trace context found in headers.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return headerPropagator.Extract(ctx, propagation.MapCarrier(headers))
}
