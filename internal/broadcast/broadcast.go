// Package broadcast fans out persisted events to the live-broadcast sink.
// Delivery is best-effort: a failure is logged by the caller and never
// retried, since retrying here would re-deliver a message whose offset
// the worker has already decided to commit.
package broadcast

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/eventgateway/eventgateway/internal/jsoncodec"
)

// Projection is the JSON body posted to the broadcast sink: a subset of
// the persisted event plus both of its clock stamps.
type Projection struct {
	EventID        string    `json:"eventId"`
	TenantID       string    `json:"tenantId"`
	Source         string    `json:"source"`
	Type           string    `json:"type"`
	TimestampUtc   time.Time `json:"timestampUtc"`
	StreamKey      string    `json:"streamKey"`
	ReceivedAtUtc  time.Time `json:"receivedAtUtc"`
	ProcessedAtUtc time.Time `json:"processedAtUtc"`
	TraceID        string    `json:"traceId"`
}

// Publisher posts projections to the broadcast sink's realtime endpoint.
type Publisher struct {
	sinkURL string
	client  *http.Client
}

// New builds a Publisher. A zero sinkURL makes Publish a no-op, which
// lets the worker run without a configured broadcast sink in tests and
// in deployments that don't need live fan-out.
func New(sinkURL string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		sinkURL: sinkURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Publish posts one projection. Any non-2xx response or transport error
// is returned to the caller to log; it is never retried.
func (p *Publisher) Publish(ctx context.Context, proj Projection) error {
	if p.sinkURL == "" {
		return nil
	}

	body, err := jsoncodec.Marshal(proj)
	if err != nil {
		return fmt.Errorf("broadcast: marshal projection: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sinkURL+"/v1/realtime/publish", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("broadcast: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("broadcast: sink returned %d", resp.StatusCode)
	}
	return nil
}
