// Package tracing carries W3C trace context across the Kafka hop between
// the ingress endpoint and the worker, and opens the spans each side
// reports to OpenTelemetry.
package tracing

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "eventgateway"

// propagator is the standard W3C traceparent/tracestate propagator. No
// vendor baggage format is wired in; the spec only requires traceparent
// to survive the hop.
var propagator = propagation.TraceContext{}

// metadataCarrier adapts Watermill message.Metadata, which already behaves
// like a map[string]string, to OTel's TextMapCarrier so the same
// propagator code injects into and extracts from Kafka message headers
// carried as metadata.
type metadataCarrier message.Metadata

func (c metadataCarrier) Get(key string) string {
	return message.Metadata(c).Get(key)
}

func (c metadataCarrier) Set(key, value string) {
	message.Metadata(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Inject writes the span context carried by ctx into the message's
// metadata as a traceparent header. Call this right before publishing.
func Inject(ctx context.Context, msg *message.Message) {
	propagator.Inject(ctx, metadataCarrier(msg.Metadata))
}

// Extract reads a traceparent header out of the message's metadata and
// returns a context carrying the remote span, ready to be used as the
// parent for a worker-side span.
func Extract(ctx context.Context, msg *message.Message) context.Context {
	return propagator.Extract(ctx, metadataCarrier(msg.Metadata))
}

// StartIngressSpan opens the span covering one HTTP ingestion request.
func StartIngressSpan(ctx context.Context, tenantID, eventType string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingress.accept")
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("event.type", eventType),
	)
	return ctx, span
}

// StartProcessSpan opens the span covering one worker-side persist
// attempt, parented to the extracted producer span via ctx.
func StartProcessSpan(ctx context.Context, msg *message.Message) (context.Context, trace.Span) {
	ctx = Extract(ctx, msg)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "worker.process")
	span.SetAttributes(attribute.String("message.uuid", msg.UUID))
	return ctx, span
}
