// Package store implements the hot store schema: the Postgres tables and
// transactional contract consumed by the worker's persist step.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventgateway/eventgateway/internal/envelope"
	"github.com/eventgateway/eventgateway/internal/jsoncodec"
)

//go:embed schema.sql
var schemaSQL string

// maxReasonRunes bounds the dead-letter reason field. Truncation is
// rune-based, not byte-based: byte-slicing a multibyte UTF-8 reason
// string at an arbitrary offset can split a codepoint in half and
// produce invalid UTF-8 in the stored row.
const maxReasonRunes = 500

// Outcome is the terminal result of one persist attempt.
type Outcome int

const (
	// Processed means the events/processed_events/stream_state rows
	// were written in this transaction.
	Processed Outcome = iota
	// Duplicate means processed_events already had a row for this
	// eventId; nothing else was written.
	Duplicate
)

// Store wraps the connection pool shared by the worker's persist step and
// the gateway's schema bootstrap.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema applies the embedded schema. Every statement is
// create-if-absent, so this is safe to run on every startup of both
// binaries without coordination between them.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// PersistEvent runs the three-step persist transaction: dedup insert,
// events insert, stream-state upsert. All three writes live or die
// together so there is never a transaction boundary between the dedup
// barrier and the row it guards.
func (s *Store) PersistEvent(ctx context.Context, rec envelope.InflightRecord) (Outcome, error) {
	eventID, err := uuid.Parse(rec.Envelope.EventID)
	if err != nil {
		return 0, fmt.Errorf("store: eventId is not a UUID: %w", err)
	}

	outcome := Processed

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		processedUtc := time.Now().UTC()

		tag, err := tx.Exec(ctx, `
			INSERT INTO gateway.processed_events (event_id, tenant_id, idempotency_key, processed_utc)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING`,
			eventID, rec.Envelope.TenantID, rec.IdempotencyKey, processedUtc)
		if err != nil {
			return fmt.Errorf("dedup insert: %w", err)
		}
		if tag.RowsAffected() == 0 {
			outcome = Duplicate
			return nil
		}

		receivedUtc := rec.ReceivedAtUtc
		if receivedUtc.IsZero() {
			receivedUtc = processedUtc
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO gateway.events (
				event_id, tenant_id, source, type, stream_key, timestamp_utc,
				schema_version, payload, received_utc, processed_utc, trace_id, idempotency_key
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			eventID, rec.Envelope.TenantID, rec.Envelope.Source, rec.Envelope.Type,
			rec.Envelope.StreamKey, rec.Envelope.TimestampUtc, rec.Envelope.SchemaVersion,
			rec.Envelope.Payload, receivedUtc, processedUtc, rec.TraceID, rec.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("events insert: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO gateway.stream_state (tenant_id, stream_key, last_seen_utc, last_type, last_payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, stream_key) DO UPDATE
				SET last_seen_utc = EXCLUDED.last_seen_utc,
					last_type = EXCLUDED.last_type,
					last_payload = EXCLUDED.last_payload`,
			rec.Envelope.TenantID, rec.Envelope.StreamKey, rec.Envelope.TimestampUtc,
			rec.Envelope.Type, rec.Envelope.Payload)
		if err != nil {
			return fmt.Errorf("stream state upsert: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: persist event: %w", err)
	}

	return outcome, nil
}

// WriteDeadLetter writes one dead-letter row for a message that could not
// be processed. tenantID may be empty for structurally invalid messages
// where no tenant could be extracted. rawInput is the original message
// bytes; if they parse as a JSON object or array they are stored
// verbatim, otherwise they are wrapped so the column always holds valid
// JSON. Returns an error only when the write itself failed, which the
// caller treats as the signal to retry instead of committing.
func (s *Store) WriteDeadLetter(ctx context.Context, tenantID string, rawInput []byte, reason string) error {
	snapshot := normalizeSnapshot(rawInput)
	truncated := truncateRunes(reason, maxReasonRunes)

	var tenant any
	if tenantID != "" {
		tenant = tenantID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO gateway.dead_letter (id, tenant_id, event_snapshot, reason, created_utc)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), tenant, snapshot, truncated, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: write dead letter: %w", err)
	}
	return nil
}

func normalizeSnapshot(raw []byte) []byte {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var probe any
		if err := jsoncodec.Unmarshal(raw, &probe); err == nil {
			return raw
		}
	}

	wrapped, err := jsoncodec.Marshal(map[string]string{"raw": string(raw)})
	if err != nil {
		return []byte(`{"raw":""}`)
	}
	return wrapped
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
