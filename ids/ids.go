// ABOUTME: Identifier helpers for plan executions, node executions, and correlation ids.
// ABOUTME: Execution ids are ULIDs (sortable by creation time); correlation ids are random UUIDs.
package ids

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New generates a new ULID string using crypto/rand entropy.
func New() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewCorrelationID returns a random UUID used to correlate dispatched work with
// the node execution waiting on it.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
