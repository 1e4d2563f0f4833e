package tracing

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtractRoundTripsTraceparent(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736"),
		SpanID:     spanIDFromHex("00f067aa0ba902b7"),
		TraceFlags: trace.FlagsSampled,
		Remote:     false,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg := message.NewMessage("id-1", []byte("payload"))
	Inject(ctx, msg)

	if msg.Metadata.Get("traceparent") == "" {
		t.Fatal("expected traceparent metadata to be set after Inject")
	}

	extracted := Extract(context.Background(), msg)
	gotSC := trace.SpanContextFromContext(extracted)
	if !gotSC.IsValid() {
		t.Fatal("expected a valid span context after Extract")
	}
	if gotSC.TraceID() != sc.TraceID() {
		t.Fatalf("trace id mismatch: got %s want %s", gotSC.TraceID(), sc.TraceID())
	}
}

func TestMetadataCarrierKeys(t *testing.T) {
	md := message.Metadata{"a": "1", "b": "2"}
	c := metadataCarrier(md)
	keys := c.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func traceIDFromHex(h string) trace.TraceID {
	var id trace.TraceID
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	copy(id[:], b)
	return id
}

func spanIDFromHex(h string) trace.SpanID {
	var id trace.SpanID
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	copy(id[:], b)
	return id
}
