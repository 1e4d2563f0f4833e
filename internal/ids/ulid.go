// Package ids generates the internal, non-domain identifiers used for
// Watermill message UUIDs and log correlation. Domain identifiers
// (eventId, dead-letter row id) are UUIDs per the data model and are
// handled in internal/envelope and internal/store instead.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a time-sortable ULID encoded as a 26-character
// string, used as the Watermill message UUID for every record the gateway
// or worker produces.
func NewMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}
