package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	"github.com/eventgateway/eventgateway/internal/broadcast"
	"github.com/eventgateway/eventgateway/internal/broker"
	"github.com/eventgateway/eventgateway/internal/envelope"
	"github.com/eventgateway/eventgateway/internal/jsoncodec"
	"github.com/eventgateway/eventgateway/internal/logging"
	"github.com/eventgateway/eventgateway/internal/metrics"
	"github.com/eventgateway/eventgateway/internal/store"
)

var discardLogger = logging.New(slog.New(slog.NewTextHandler(io.Discard, nil)))

type persistCall struct {
	rec envelope.InflightRecord
}

type fakeStore struct {
	mu              sync.Mutex
	persisted       []persistCall
	deadLettered    []string
	deadLetterCalls int
	persistErr      error
	deadLetterErr   error
	seen            map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: make(map[string]bool)}
}

func (f *fakeStore) PersistEvent(ctx context.Context, rec envelope.InflightRecord) (store.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return 0, f.persistErr
	}
	if f.seen[rec.Envelope.EventID] {
		return store.Duplicate, nil
	}
	f.seen[rec.Envelope.EventID] = true
	f.persisted = append(f.persisted, persistCall{rec: rec})
	return store.Processed, nil
}

func (f *fakeStore) WriteDeadLetter(ctx context.Context, tenantID string, rawInput []byte, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetterCalls++
	if f.deadLetterErr != nil {
		return f.deadLetterErr
	}
	f.deadLettered = append(f.deadLettered, reason)
	return nil
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	published []broadcast.Projection
	err       error
}

func (f *fakeBroadcaster) Publish(ctx context.Context, proj broadcast.Projection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, proj)
	return nil
}

func validRecord(eventID string) envelope.InflightRecord {
	return envelope.InflightRecord{
		Envelope: envelope.Envelope{
			EventID:       eventID,
			TenantID:      "contoso",
			Source:        "orders-api",
			Type:          "OrderCreated",
			StreamKey:     "order-184922",
			TimestampUtc:  time.Now().UTC().Add(-time.Second),
			SchemaVersion: 1,
			Payload:       []byte(`{"orderId":"184922"}`),
		},
		IdempotencyKey: "demo-1",
		PayloadHash:    "deadbeef",
		ReceivedAtUtc:  time.Now().UTC().Add(-time.Second),
		TraceID:        "trace-1",
	}
}

// harness wires a Worker to an in-memory pub/sub running in the
// background; tests publish messages and poll the fake Store/Broadcaster
// with require.Eventually to observe the handler's effects.
type harness struct {
	t       *testing.T
	pubsub  *gochannel.GoChannel
	w       *Worker
	stopped chan struct{}
}

func newHarness(t *testing.T, st Store, bc Broadcaster) *harness {
	t.Helper()
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})

	reg := metrics.NewWorkerRegistry()
	w, err := New(pubsub, st, bc, reg, discardLogger)
	require.NoError(t, err)

	h := &harness{t: t, pubsub: pubsub, w: w, stopped: make(chan struct{})}
	go func() {
		defer close(h.stopped)
		_ = w.Run(context.Background())
	}()
	<-w.Running()
	return h
}

func (h *harness) publish(t *testing.T, rec envelope.InflightRecord) {
	t.Helper()
	payload, err := jsoncodec.Marshal(rec)
	require.NoError(t, err)
	msg := message.NewMessage(rec.Envelope.EventID, payload)
	require.NoError(t, h.pubsub.Publish(broker.Topic, msg))
}

func (h *harness) close() {
	_ = h.w.Close()
	<-h.stopped
}

func TestHandlePersistsValidEventAndFansOut(t *testing.T) {
	st := newFakeStore()
	bc := &fakeBroadcaster{}
	h := newHarness(t, st, bc)
	defer h.close()

	h.publish(t, validRecord("8f86a6a7-18a1-4463-8578-16eb2cca2727"))

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.persisted) == 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		bc.mu.Lock()
		defer bc.mu.Unlock()
		return len(bc.published) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandleInvalidJSONGoesToDeadLetter(t *testing.T) {
	st := newFakeStore()
	bc := &fakeBroadcaster{}
	h := newHarness(t, st, bc)
	defer h.close()

	msg := message.NewMessage("bad-1", []byte("not json"))
	require.NoError(t, h.pubsub.Publish(broker.Topic, msg))

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.deadLettered) == 1
	}, time.Second, 10*time.Millisecond)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Contains(t, st.deadLettered[0], "invalid-json")
	require.Empty(t, st.persisted)
}

func TestHandleNonUUIDEventIDGoesToDeadLetter(t *testing.T) {
	st := newFakeStore()
	bc := &fakeBroadcaster{}
	h := newHarness(t, st, bc)
	defer h.close()

	h.publish(t, validRecord("not-a-uuid"))

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.deadLettered) == 1
	}, time.Second, 10*time.Millisecond)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Empty(t, st.persisted)
}

func TestHandleDuplicateSkipsFanOut(t *testing.T) {
	st := newFakeStore()
	bc := &fakeBroadcaster{}
	h := newHarness(t, st, bc)
	defer h.close()

	rec := validRecord("8f86a6a7-18a1-4463-8578-16eb2cca2727")
	h.publish(t, rec)
	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.persisted) == 1
	}, time.Second, 10*time.Millisecond)

	h.publish(t, rec)
	require.Eventually(t, func() bool {
		bc.mu.Lock()
		defer bc.mu.Unlock()
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.persisted) == 1 && len(bc.published) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandlePersistenceFailureGoesToDeadLetter(t *testing.T) {
	st := newFakeStore()
	st.persistErr = errors.New("connection reset")
	bc := &fakeBroadcaster{}
	h := newHarness(t, st, bc)
	defer h.close()

	h.publish(t, validRecord("8f86a6a7-18a1-4463-8578-16eb2cca2727"))

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.deadLettered) == 1
	}, time.Second, 10*time.Millisecond)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Contains(t, st.deadLettered[0], "persistence-failure")
}

// TestHandleDeadLetterWriteFailureNeverCommits proves the one retry path:
// when the dead-letter write itself fails, the handler returns an error,
// so the message is nacked and redelivered (the dead-letter write is
// attempted again) and no dead-letter row is ever recorded.
func TestHandleDeadLetterWriteFailureNeverCommits(t *testing.T) {
	st := newFakeStore()
	st.deadLetterErr = errors.New("db unavailable")
	bc := &fakeBroadcaster{}
	h := newHarness(t, st, bc)
	defer h.close()

	msg := message.NewMessage("bad-1", []byte("not json"))
	require.NoError(t, h.pubsub.Publish(broker.Topic, msg))

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.deadLetterCalls >= 2
	}, time.Second, 10*time.Millisecond, "a nacked message must be redelivered")

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Empty(t, st.deadLettered, "dead-letter write failure must never be treated as a successful DLQ outcome")
}

func TestFanOutFailureStillCommits(t *testing.T) {
	st := newFakeStore()
	bc := &fakeBroadcaster{err: errors.New("sink unreachable")}
	h := newHarness(t, st, bc)
	defer h.close()

	h.publish(t, validRecord("8f86a6a7-18a1-4463-8578-16eb2cca2727"))

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.persisted) == 1
	}, time.Second, 10*time.Millisecond)
}
