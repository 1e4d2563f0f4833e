// Package idempotency implements the idempotency registry: the
// (tenantId, idempotencyKey) -> payloadHash mapping that lets the ingress
// endpoint tell a safe retry from a conflicting reuse of the same key.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome is the result of registering one (tenantId, idempotencyKey)
// pair against a payload hash.
type Outcome int

const (
	// Inserted means no prior row existed; this call created it.
	Inserted Outcome = iota
	// Duplicate means a prior row existed with the same payload hash: a
	// safe retry of the same logical event.
	Duplicate
	// Conflict means a prior row existed with a different payload hash:
	// the same idempotency key reused for different content.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Registry persists idempotency keys in the gateway.idempotency_keys
// table described by the hot store schema.
type Registry struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. The schema is created once by the
// store package's migration, not by this type.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// TryRegister atomically inserts or reads back the idempotency row for
// (tenantID, idempotencyKey), using a single INSERT ... ON CONFLICT DO
// UPDATE ... RETURNING statement. A plain "try insert, then SELECT on
// conflict" sequence has a visibility race: a concurrent transaction can
// commit between the failed insert and the follow-up read, and the
// second statement would then see a row it did not expect. Folding both
// steps into one statement, with the DO UPDATE returning the winning
// row's hash and whether this call performed the insert, removes that
// window entirely.
func (r *Registry) TryRegister(ctx context.Context, tenantID, idempotencyKey, payloadHash string) (Outcome, error) {
	const stmt = `
		INSERT INTO gateway.idempotency_keys (tenant_id, idempotency_key, payload_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, idempotency_key) DO UPDATE
			SET tenant_id = gateway.idempotency_keys.tenant_id
		RETURNING payload_hash, (xmax = 0) AS inserted`

	var storedHash string
	var inserted bool
	if err := r.pool.QueryRow(ctx, stmt, tenantID, idempotencyKey, payloadHash).Scan(&storedHash, &inserted); err != nil {
		return 0, fmt.Errorf("idempotency: register: %w", err)
	}

	if inserted {
		return Inserted, nil
	}
	if storedHash == payloadHash {
		return Duplicate, nil
	}
	return Conflict, nil
}

// Unregister removes a key's row, best-effort. Used only to undo a
// registration when publishing the accepted envelope to the log fails, so
// a later retry with the same key is not spuriously treated as a
// duplicate. Errors are non-fatal to the caller: a leftover row makes
// every later retry with the same key and body come back as Duplicate,
// and the ingress endpoint does not publish on a Duplicate.
func (r *Registry) Unregister(ctx context.Context, tenantID, idempotencyKey string) error {
	const stmt = `DELETE FROM gateway.idempotency_keys WHERE tenant_id = $1 AND idempotency_key = $2`
	_, err := r.pool.Exec(ctx, stmt, tenantID, idempotencyKey)
	if err != nil {
		return fmt.Errorf("idempotency: unregister: %w", err)
	}
	return nil
}

// ErrNotFound is returned by Lookup when no row exists for the key.
var ErrNotFound = errors.New("idempotency: key not found")

// Lookup reads back the stored payload hash for a key without mutating
// anything, used by diagnostics and tests.
func (r *Registry) Lookup(ctx context.Context, tenantID, idempotencyKey string) (string, error) {
	const stmt = `SELECT payload_hash FROM gateway.idempotency_keys WHERE tenant_id = $1 AND idempotency_key = $2`
	var hash string
	err := r.pool.QueryRow(ctx, stmt, tenantID, idempotencyKey).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("idempotency: lookup: %w", err)
	}
	return hash, nil
}
