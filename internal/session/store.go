// Package session is the in-memory session store: a thread-safe
// session_id -> *Session map. The Session aggregate here is live,
// authoritative run-time state; internal/storage only checkpoints it.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
)

// Store is a thread-safe session_id -> *Session map. No iteration order
// guarantee, no TTL.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*simtypes.Session
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*simtypes.Session)}
}

// Create allocates a new session with a generated id and inserts it.
func (s *Store) Create() *simtypes.Session {
	sess := simtypes.NewSession(uuid.New().String(), time.Now().UTC())
	s.mu.Lock()
	s.sessions[sess.SessionID] = sess
	s.mu.Unlock()
	return sess
}

// Insert adds an existing session (e.g. one rehydrated from a checkpoint).
// Fails if the id is already present.
func (s *Store) Insert(sess *simtypes.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionID]; ok {
		return &simerrors.ValidationError{Field: "session_id", Reason: "already exists: " + sess.SessionID}
	}
	s.sessions[sess.SessionID] = sess
	return nil
}

// Get returns the session for id, or simerrors.ErrNotFound.
func (s *Store) Get(id string) (*simtypes.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, simerrors.ErrNotFound
	}
	return sess, nil
}

// Update replaces the stored pointer for id. Callers that mutate the
// Session in place don't strictly need it; it exists so replacement can be
// hooked by a persistence layer.
func (s *Store) Update(sess *simtypes.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionID]; !ok {
		return simerrors.ErrNotFound
	}
	s.sessions[sess.SessionID] = sess
	return nil
}

// Delete removes a session from the store.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return simerrors.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// List returns all sessions in unspecified order, for admin/diagnostic use.
func (s *Store) List() []*simtypes.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*simtypes.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
