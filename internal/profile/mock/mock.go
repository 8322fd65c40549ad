// Package mock provides an in-memory mock implementation of
// [profile.Store] for use in unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/sibilla-voice/sibilla/internal/profile"
)

// UpsertCall records the arguments of a single UpsertExtractedFacts invocation.
type UpsertCall struct {
	UserID    string
	Name      string
	BirthDate string
}

// Store is a mock implementation of [profile.Store].
// Set the exported fields before use; inspect the call records after.
type Store struct {
	mu sync.Mutex

	// Names maps userID to the name returned by GetExtractedName.
	Names map[string]string

	// GetError is returned by GetExtractedName.
	GetError error

	// UpsertError is returned by UpsertExtractedFacts.
	UpsertError error

	// GetCalls records the userIDs passed to GetExtractedName.
	GetCalls []string

	// UpsertCalls records all UpsertExtractedFacts invocations.
	UpsertCalls []UpsertCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ profile.Store = (*Store)(nil)

// GetExtractedName implements [profile.Store].
func (s *Store) GetExtractedName(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls = append(s.GetCalls, userID)
	if s.GetError != nil {
		return "", s.GetError
	}
	return s.Names[userID], nil
}

// UpsertExtractedFacts implements [profile.Store].
func (s *Store) UpsertExtractedFacts(_ context.Context, userID, name, birthDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertCalls = append(s.UpsertCalls, UpsertCall{UserID: userID, Name: name, BirthDate: birthDate})
	return s.UpsertError
}

// Close implements [profile.Store].
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
}
