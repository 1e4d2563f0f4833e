// Package worker implements the processing engine: the per-message state
// machine that consumes accepted envelopes from the log, persists them
// exactly-once-in-effect into the hot store, fans them out to the
// broadcast sink, and commits or retries the offset depending on outcome.
package worker

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/eventgateway/eventgateway/internal/broadcast"
	"github.com/eventgateway/eventgateway/internal/broker"
	"github.com/eventgateway/eventgateway/internal/envelope"
	"github.com/eventgateway/eventgateway/internal/jsoncodec"
	"github.com/eventgateway/eventgateway/internal/logging"
	"github.com/eventgateway/eventgateway/internal/metrics"
	"github.com/eventgateway/eventgateway/internal/store"
	"github.com/eventgateway/eventgateway/internal/tracing"
)

// Store is the subset of *store.Store the worker needs. Declaring it here,
// rather than depending on the concrete pgx-backed type, lets tests supply
// an in-memory fake the same way the ingress handler's Registry seam does.
type Store interface {
	PersistEvent(ctx context.Context, rec envelope.InflightRecord) (store.Outcome, error)
	WriteDeadLetter(ctx context.Context, tenantID string, rawInput []byte, reason string) error
}

// Broadcaster is the subset of *broadcast.Publisher the worker needs.
type Broadcaster interface {
	Publish(ctx context.Context, proj broadcast.Projection) error
}

// Worker consumes the log topic and runs the persist state machine on
// every message.
type Worker struct {
	router  *message.Router
	store   Store
	fanout  Broadcaster
	metrics *metrics.Registry
	logger  logging.Logger
}

// New builds a Worker whose router has one AddNoPublisherHandler bound to
// the supplied subscriber. The handler's return value is the commit
// decision: nil acks the message (offset committed), a non-nil error nacks
// it (message redelivered, offset not committed) — the handler never
// returns an error except on the one documented retry path (§4.3: dead-
// letter write itself failing).
func New(sub message.Subscriber, st Store, fanout Broadcaster, reg *metrics.Registry, logger logging.Logger) (*Worker, error) {
	router, err := message.NewRouter(message.RouterConfig{}, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, err
	}

	w := &Worker{router: router, store: st, fanout: fanout, metrics: reg, logger: logger}
	router.AddNoPublisherHandler("persist-event", broker.Topic, sub, w.handle)
	return w, nil
}

// Run blocks until the context is cancelled or the router stops.
func (w *Worker) Run(ctx context.Context) error {
	return w.router.Run(ctx)
}

// Close releases the router and its subscriber.
func (w *Worker) Close() error {
	return w.router.Close()
}

// Running reports when the router has entered its poll loop, matching
// Watermill's own readiness signal.
func (w *Worker) Running() chan struct{} {
	return w.router.Running()
}

// handle implements the Poll -> Decode -> Validate -> Persist -> Fan-out ->
// Commit state machine from the persist-engine design.
func (w *Worker) handle(msg *message.Message) error {
	ctx, span := tracing.StartProcessSpan(msg.Context(), msg)
	defer span.End()

	var rec envelope.InflightRecord
	if err := jsoncodec.Unmarshal(msg.Payload, &rec); err != nil {
		return w.deadLetter(ctx, "", msg.Payload, "invalid-json: "+err.Error())
	}

	if err := rec.ValidateSemantic(); err != nil {
		return w.deadLetter(ctx, rec.Envelope.TenantID, msg.Payload, err.Error())
	}

	outcome, err := w.store.PersistEvent(ctx, rec)
	if err != nil {
		return w.deadLetter(ctx, rec.Envelope.TenantID, msg.Payload, "persistence-failure: "+err.Error())
	}

	processedAtUtc := time.Now().UTC()
	w.observeFreshness(rec, processedAtUtc)

	// Duplicates count as success (§4.3.3): the envelope was already
	// persisted by an earlier delivery, so this delivery still resolves
	// cleanly rather than as a retry or a dead-letter.
	w.metrics.EventsTotal.WithLabelValues("success").Inc()
	if outcome == store.Duplicate {
		return nil
	}

	if w.fanout != nil {
		proj := broadcast.Projection{
			EventID:        rec.Envelope.EventID,
			TenantID:       rec.Envelope.TenantID,
			Source:         rec.Envelope.Source,
			Type:           rec.Envelope.Type,
			TimestampUtc:   rec.Envelope.TimestampUtc,
			StreamKey:      rec.Envelope.StreamKey,
			ReceivedAtUtc:  rec.ReceivedAtUtc,
			ProcessedAtUtc: processedAtUtc,
			TraceID:        rec.TraceID,
		}
		if err := w.fanout.Publish(ctx, proj); err != nil {
			w.logger.Error("broadcast fan-out failed, commit proceeds", err, logging.Fields{
				"eventId": rec.Envelope.EventID,
			})
		}
	}

	return nil
}

// deadLetter writes the dead-letter row for a message this state machine
// could not process. If the write itself fails, it returns that error so
// the handler nacks the message: the only retry path in the state machine.
func (w *Worker) deadLetter(ctx context.Context, tenantID string, raw []byte, reason string) error {
	if err := w.store.WriteDeadLetter(ctx, tenantID, raw, reason); err != nil {
		w.logger.Error("dead-letter write failed, message will be retried", err, logging.Fields{
			"tenantId": tenantID,
		})
		w.metrics.EventsTotal.WithLabelValues("retry").Inc()
		return err
	}
	w.metrics.EventsTotal.WithLabelValues("dlq").Inc()
	w.metrics.DeadLetterTotal.Inc()
	return nil
}

// observeFreshness records both lag signals named in §4.3.3: lag against
// the client-stamped timestampUtc, and end-to-end freshness against the
// ingress-stamped receivedAtUtc.
func (w *Worker) observeFreshness(rec envelope.InflightRecord, now time.Time) {
	lag := now.Sub(rec.Envelope.TimestampUtc).Seconds()
	if lag < 0 {
		lag = 0
	}
	w.metrics.SetLagSeconds(lag)

	if !rec.ReceivedAtUtc.IsZero() {
		freshness := now.Sub(rec.ReceivedAtUtc).Seconds()
		if freshness < 0 {
			freshness = 0
		}
		w.metrics.FreshnessSeconds.Observe(freshness)
	}
}
