// Package session holds the per-consultation state and the store that owns
// it. A session tracks which phase the reading is in, which caller facts
// have been collected, the dialogue continuation handle, and the drawn
// cards; the store provides keyed access with per-key mutual exclusion and
// idle expiry.
package session

import (
	"time"
)

// Phase is the consultation's macro-state. It only ever moves forward:
// DataCollection → PreShuffle → PostShuffle. PostShuffle is terminal; the
// session is torn down on the completion signal, not by a further phase
// transition.
type Phase int

const (
	// PhaseDataCollection gathers the caller's name and birth date. The
	// zero value, so a zero Session starts in the right place.
	PhaseDataCollection Phase = iota

	// PhasePreShuffle elicits the caller's question and ends with the
	// card draw.
	PhasePreShuffle

	// PhasePostShuffle interprets the drawn cards until the reading
	// closes.
	PhasePostShuffle
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseDataCollection:
		return "DATA_COLLECTION"
	case PhasePreShuffle:
		return "PRE_SHUFFLE"
	case PhasePostShuffle:
		return "POST_SHUFFLE"
	default:
		return "UNKNOWN"
	}
}

// Params are the consultation parameters snapshotted onto the session at
// creation, so greeting and voice selection stay stable even if the
// service configuration changes mid-call.
type Params struct {
	// Operator is the persona name spoken in the greeting.
	Operator string

	// Category is the consultation topic (AMORE, LAVORO, SOLDI, LOTTO,
	// GENERICO). Selects the synthesis voice and script flavor.
	Category string

	// Deck is the free-text deck label echoed into the prompts.
	Deck string
}

// Session is the state of one active consultation.
//
// Fields that use an empty string as "unset" follow the sentinel
// convention of the extraction pipeline: a fact is either absent or a
// non-trivial extracted value, never the empty string.
type Session struct {
	// Key is the opaque session identifier used as the store lookup key.
	Key string

	// Phase is the current consultation phase.
	Phase Phase

	// Name is the caller's extracted name; empty until extracted.
	Name string

	// BirthDate is the caller's extracted birth date in dd/mm/yyyy text;
	// empty until extracted.
	BirthDate string

	// DisclaimerShown records whether the one-time health-scope
	// disclaimer has been delivered. Derived from the existence of a
	// prior model continuation; used only during DataCollection.
	DisclaimerShown bool

	// ContinuationHandle is the opaque token that lets the dialogue
	// service resume this exact conversation. Empty before the first
	// successful model call.
	ContinuationHandle string

	// CurrentQuestion is the caller's stated concern, set exactly once at
	// the PreShuffle → PostShuffle transition.
	CurrentQuestion string

	// DrawnCards are the card names drawn for the reading, set together
	// with CurrentQuestion and immutable afterwards.
	DrawnCards []string

	// PostShuffleTurns counts assistant turns taken while in
	// PostShuffle. Echoed into the script as a soft closing nudge.
	PostShuffleTurns int

	// LastActivityAt drives idle expiry.
	LastActivityAt time.Time

	// Params are the consultation parameters captured at creation.
	Params Params
}

// New creates a fresh session in DataCollection.
func New(key string, params Params) *Session {
	return &Session{
		Key:            key,
		Phase:          PhaseDataCollection,
		LastActivityAt: time.Now(),
		Params:         params,
	}
}

// Touch updates the activity timestamp.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
}

// FactsComplete reports whether both caller facts have been collected.
func (s *Session) FactsComplete() bool {
	return s.Name != "" && s.BirthDate != ""
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// freely while a turn is in flight.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.DrawnCards != nil {
		clone.DrawnCards = make([]string, len(s.DrawnCards))
		copy(clone.DrawnCards, s.DrawnCards)
	}
	return &clone
}
