// Package ingress implements the HTTP ingestion endpoint: the ingress
// state machine that validates an envelope, consults the idempotency
// registry, and publishes accepted envelopes to the log.
package ingress

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/trace"

	"github.com/eventgateway/eventgateway/internal/broker"
	"github.com/eventgateway/eventgateway/internal/envelope"
	"github.com/eventgateway/eventgateway/internal/idempotency"
	"github.com/eventgateway/eventgateway/internal/ids"
	"github.com/eventgateway/eventgateway/internal/jsoncodec"
	"github.com/eventgateway/eventgateway/internal/logging"
	"github.com/eventgateway/eventgateway/internal/metrics"
	"github.com/eventgateway/eventgateway/internal/tracing"
)

// maxBodyBytes bounds the ingestion request body per the transport
// contract.
const maxBodyBytes = 256 * 1024

// Registry is the subset of *idempotency.Registry the ingress handler
// needs. Declaring it here lets tests supply an in-memory fake instead of
// a live Postgres pool, the same seam the teacher's transport packages
// use for their publisher/subscriber factories.
type Registry interface {
	TryRegister(ctx context.Context, tenantID, idempotencyKey, payloadHash string) (idempotency.Outcome, error)
	Unregister(ctx context.Context, tenantID, idempotencyKey string) error
}

// Handler implements the ingress state machine from accepting a request
// to publishing the inflight record.
type Handler struct {
	registry  Registry
	publisher message.Publisher
	metrics   *metrics.Registry
	logger    logging.Logger
}

// New builds an ingress Handler.
func New(registry Registry, publisher message.Publisher, reg *metrics.Registry, logger logging.Logger) *Handler {
	return &Handler{registry: registry, publisher: publisher, metrics: reg, logger: logger}
}

// Mux returns the routes this handler serves: the ingestion endpoint plus
// the liveness aliases carried by every binary in this corpus.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", h.handleEvents)
	mux.HandleFunc("/health", h.handleLiveness)
	mux.HandleFunc("/", h.handleLiveness)
	return mux
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type acceptedResponse struct {
	EventID       string    `json:"eventId"`
	ReceivedAtUtc time.Time `json:"receivedAtUtc"`
	TraceID       string    `json:"traceId"`
	Duplicate     bool      `json:"duplicate"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	status := http.StatusOK
	defer func() {
		h.metrics.RequestsTotal.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
		h.metrics.RequestDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	}()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		status = http.StatusBadRequest
		writeError(w, status, "Idempotency-Key header is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var env envelope.Envelope
	if err := jsoncodec.Decode(r.Body, &env); err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "request body is not a valid event envelope")
		return
	}

	if err := env.Validate(); err != nil {
		status = http.StatusBadRequest
		writeError(w, status, err.Error())
		return
	}

	ctx, span := tracing.StartIngressSpan(r.Context(), env.TenantID, env.Type)
	defer span.End()
	traceID := traceIDOrCorrelation(ctx, r)

	payloadHash, err := env.Fingerprint()
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "failed to compute payload fingerprint")
		return
	}

	outcome, err := h.registry.TryRegister(ctx, env.TenantID, idempotencyKey, payloadHash)
	if err != nil {
		status = http.StatusInternalServerError
		writeError(w, status, "idempotency registry unavailable")
		return
	}

	switch outcome {
	case idempotency.Conflict:
		status = http.StatusConflict
		writeError(w, status, "Idempotency key was reused with a different payload.")
		return
	case idempotency.Duplicate:
		status = http.StatusAccepted
		writeJSON(w, status, acceptedResponse{
			EventID:       env.EventID,
			ReceivedAtUtc: time.Now().UTC(),
			TraceID:       traceID,
			Duplicate:     true,
		})
		return
	}

	receivedAtUtc := time.Now().UTC()

	rec := envelope.InflightRecord{
		Envelope:       env,
		IdempotencyKey: idempotencyKey,
		PayloadHash:    payloadHash,
		ReceivedAtUtc:  receivedAtUtc,
		TraceID:        traceID,
	}

	payload, err := jsoncodec.Marshal(rec)
	if err != nil {
		h.compensate(env.TenantID, idempotencyKey)
		status = http.StatusServiceUnavailable
		w.WriteHeader(status)
		return
	}

	msg := message.NewMessage(ids.NewMessageID(), payload)
	msg.Metadata.Set(broker.PartitionKeyMetadataKey, broker.PartitionKey(env.TenantID, env.StreamKey))
	tracing.Inject(ctx, msg)

	if err := h.publisher.Publish(broker.Topic, msg); err != nil {
		h.compensate(env.TenantID, idempotencyKey)
		status = http.StatusServiceUnavailable
		w.WriteHeader(status)
		return
	}

	status = http.StatusAccepted
	writeJSON(w, status, acceptedResponse{
		EventID:       env.EventID,
		ReceivedAtUtc: receivedAtUtc,
		TraceID:       traceID,
		Duplicate:     false,
	})
}

// compensate removes the idempotency row registered just before a publish
// failure, so a retry with the same key and body is treated as a fresh
// Inserted rather than a Duplicate of an event that was never enqueued.
// It runs on a background context: the inbound request's context may
// already be past its deadline by the time a publish failure is known.
func (h *Handler) compensate(tenantID, idempotencyKey string) {
	if err := h.registry.Unregister(context.Background(), tenantID, idempotencyKey); err != nil {
		h.logger.Error("failed to compensate idempotency registration after publish failure", err, logging.Fields{
			"tenantId": tenantID,
		})
	}
}

// traceIDOrCorrelation returns the active span's trace id if a real
// tracer recorded one, otherwise the request's transport-level
// correlation id (X-Request-Id), matching the spec's fallback rule.
func traceIDOrCorrelation(ctx context.Context, r *http.Request) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if reqID := r.Header.Get("X-Request-Id"); reqID != "" {
		return reqID
	}
	return ids.NewMessageID()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := jsoncodec.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, errorResponse{Error: reason})
}
