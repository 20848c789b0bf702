// Package session maps opaque bearer tokens to authenticated user
// identities. Entries live only for the process's uptime; a restart forces
// re-authentication.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	userID    int64
	expiresAt time.Time
}

// Store is the process-wide session table. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]entry
	ttl      time.Duration
	now      func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{
		sessions: make(map[string]entry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create binds a fresh unguessable token to the user id and returns it.
func (s *Store) Create(userID int64) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = entry{userID: userID, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return token
}

// Resolve returns the user id bound to token. Expired entries are treated as
// absent and removed.
func (s *Store) Resolve(token string) (int64, bool) {
	s.mu.RLock()
	e, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; the entry may have been
		// refreshed or already removed.
		if cur, still := s.sessions[token]; still && s.now().After(cur.expiresAt) {
			delete(s.sessions, token)
		}
		s.mu.Unlock()
		return 0, false
	}
	return e.userID, true
}

// Invalidate removes the token's session. Idempotent: invalidating an
// unknown token reports false without side effects.
func (s *Store) Invalidate(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[token]; !ok {
		return false
	}
	delete(s.sessions, token)
	return true
}

// InvalidateUser revokes every session belonging to userID and returns how
// many were removed. Called on password changes.
func (s *Store) InvalidateUser(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, e := range s.sessions {
		if e.userID == userID {
			delete(s.sessions, token)
			n++
		}
	}
	return n
}
