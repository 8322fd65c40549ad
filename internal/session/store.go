package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Get and Delete when no session exists for the
// key. An explicit reset of an unknown key surfaces this as a 404, not a
// crash.
var ErrNotFound = errors.New("session not found")

// Store is the keyed session state store. A single in-process map is one
// valid backing; a distributed cache is another. The consultation machine
// is the only writer; the orchestrator reads for greeting personalization.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns a copy of the session for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Session, error)

	// Put stores a copy of the session under key, creating or replacing.
	Put(ctx context.Context, key string, s *Session) error

	// Delete removes the session for key. Returns ErrNotFound if absent.
	Delete(ctx context.Context, key string) error

	// SweepExpired removes every session whose LastActivityAt is older
	// than ttl and returns how many were removed.
	SweepExpired(ctx context.Context, ttl time.Duration) (int, error)

	// Acquire takes the per-key turn lock and returns its release func.
	// At most one state machine invocation runs per key at a time; turn
	// N's mutations are fully committed before turn N+1 begins.
	Acquire(key string) (release func())
}

// ── In-memory store ────────────────────────────────────────────────────────

// MemStore is the in-process Store implementation.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	lockMu sync.Mutex
	locks  map[string]*keyLock
}

var _ Store = (*MemStore)(nil)

// keyLock is a per-key mutex with a waiter count so entries can be removed
// once nobody holds or wants the key.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*keyLock),
	}
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, key string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Put implements [Store].
func (m *MemStore) Put(_ context.Context, key string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key] = s.Clone()
	return nil
}

// Delete implements [Store].
func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, key)
	return nil
}

// SweepExpired implements [Store].
func (m *MemStore) SweepExpired(_ context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, s := range m.sessions {
		if s.LastActivityAt.Before(cutoff) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed, nil
}

// Acquire implements [Store].
func (m *MemStore) Acquire(key string) func() {
	m.lockMu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{}
		m.locks[key] = kl
	}
	kl.refs++
	m.lockMu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()
			m.lockMu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(m.locks, key)
			}
			m.lockMu.Unlock()
		})
	}
}

// Len returns the number of stored sessions.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
