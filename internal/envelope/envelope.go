// Package envelope defines the event envelope accepted by the ingress
// endpoint, the inflight record published to the log, and the validation and
// fingerprinting rules that bind ingress-time idempotency to worker-time
// semantic checks.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eventgateway/eventgateway/internal/jsoncodec"
)

const (
	maxShortField = 128 // tenantId, eventId
	maxLongField  = 256 // source, type, streamKey
)

// Envelope is the client-supplied JSON record describing one event.
type Envelope struct {
	EventID       string          `json:"eventId"`
	TenantID      string          `json:"tenantId"`
	Source        string          `json:"source"`
	Type          string          `json:"type"`
	StreamKey     string          `json:"streamKey"`
	TimestampUtc  time.Time       `json:"timestampUtc"`
	SchemaVersion int             `json:"schemaVersion"`
	// Payload is preserved verbatim: json.RawMessage round-trips the
	// client's JSON object or array byte-for-byte instead of being
	// re-encoded through a Go map, which would reorder or normalize it.
	Payload json.RawMessage `json:"payload"`
}

// InflightRecord is the message value published to the log: the envelope
// plus the ingress-computed idempotency metadata.
type InflightRecord struct {
	Envelope       Envelope  `json:"envelope"`
	IdempotencyKey string    `json:"idempotencyKey"`
	PayloadHash    string    `json:"payloadHash"`
	ReceivedAtUtc  time.Time `json:"receivedAtUtc"`
	TraceID        string    `json:"traceId"`
}

// ErrValidation is wrapped by every structural validation failure so
// callers can distinguish it from transport or persistence errors.
var ErrValidation = errors.New("envelope: validation failed")

// Validate enforces the ingress-time structural contract from the data
// model: required non-empty fields and length caps. eventId is
// intentionally NOT required to parse as a UUID here — that check is
// worker-side only (see ValidateSemantic), by design (spec §9 open
// question: this lets malformed-UUID events reach the DLQ instead of being
// rejected at ingress).
func (e Envelope) Validate() error {
	if err := requireNonEmpty("eventId", e.EventID, maxShortField); err != nil {
		return err
	}
	if err := requireNonEmpty("tenantId", e.TenantID, maxShortField); err != nil {
		return err
	}
	if err := requireNonEmpty("source", e.Source, maxLongField); err != nil {
		return err
	}
	if err := requireNonEmpty("type", e.Type, maxLongField); err != nil {
		return err
	}
	if err := requireNonEmpty("streamKey", e.StreamKey, maxLongField); err != nil {
		return err
	}
	if e.SchemaVersion <= 0 {
		return fmt.Errorf("%w: schemaVersion must be positive", ErrValidation)
	}
	if e.TimestampUtc.IsZero() {
		return fmt.Errorf("%w: timestampUtc is required", ErrValidation)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrValidation)
	}
	return nil
}

// ValidateSemantic enforces the worker-side checks that decide between a
// persisted record and a dead-lettered one: eventId must parse as a
// canonical UUID, and every scoping field (including idempotencyKey) must
// be non-empty.
func (r InflightRecord) ValidateSemantic() error {
	if _, err := uuid.Parse(r.Envelope.EventID); err != nil {
		return fmt.Errorf("%w: eventId is not a canonical UUID: %v", ErrValidation, err)
	}
	if err := requireNonEmpty("tenantId", r.Envelope.TenantID, maxShortField); err != nil {
		return err
	}
	if err := requireNonEmpty("source", r.Envelope.Source, maxLongField); err != nil {
		return err
	}
	if err := requireNonEmpty("type", r.Envelope.Type, maxLongField); err != nil {
		return err
	}
	if err := requireNonEmpty("streamKey", r.Envelope.StreamKey, maxLongField); err != nil {
		return err
	}
	if err := requireNonEmpty("idempotencyKey", r.IdempotencyKey, maxShortField); err != nil {
		return err
	}
	return nil
}

func requireNonEmpty(field, value string, max int) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if len(value) > max {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrValidation, field, max)
	}
	return nil
}

// Fingerprint computes the payload fingerprint: the lowercase hex SHA-256
// digest of the envelope's canonical JSON encoding. Two envelopes that are
// byte-for-byte identical once re-serialized by the same codec produce the
// same fingerprint, which is what lets the idempotency registry tell a safe
// retry from a conflicting reuse of the same key.
func (e Envelope) Fingerprint() (string, error) {
	canonical, err := jsoncodec.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("envelope: failed to canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
