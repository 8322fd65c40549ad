// Package profile persists extracted caller facts across consultations.
// The consultation machine reads it opportunistically before paying for an
// extraction call and writes back after a successful one; the system
// functions fully without it, in which case facts live only in the session
// store for the duration of that session.
package profile

import (
	"context"
)

// Store is the extracted-facts persistence contract.
//
// Implementations must be safe for concurrent use. Failures are advisory:
// callers log and move on, they never fail a turn over a profile error.
type Store interface {
	// GetExtractedName returns the stored name for userID, or "" when
	// none is known.
	GetExtractedName(ctx context.Context, userID string) (string, error)

	// UpsertExtractedFacts stores whichever of name and birthDate are
	// non-empty, leaving the other column untouched.
	UpsertExtractedFacts(ctx context.Context, userID, name, birthDate string) error

	// Close releases any underlying resources.
	Close()
}

// ── No-op implementation ───────────────────────────────────────────────────

// Noop is the Store used when no profile database is configured.
type Noop struct{}

var _ Store = (*Noop)(nil)

// GetExtractedName implements [Store]. Always reports no stored name.
func (Noop) GetExtractedName(context.Context, string) (string, error) { return "", nil }

// UpsertExtractedFacts implements [Store]. Discards the facts.
func (Noop) UpsertExtractedFacts(context.Context, string, string, string) error { return nil }

// Close implements [Store].
func (Noop) Close() {}
