package session

import (
	"sync"
	"testing"
	"time"
)

func TestCreateResolve(t *testing.T) {
	s := NewStore(time.Minute)
	token := s.Create(7)
	if token == "" {
		t.Fatalf("empty token")
	}
	userID, ok := s.Resolve(token)
	if !ok || userID != 7 {
		t.Fatalf("Resolve = (%d, %v), want (7, true)", userID, ok)
	}
	if _, ok := s.Resolve("no-such-token"); ok {
		t.Fatalf("unknown token resolved")
	}
}

func TestInvalidateIdempotent(t *testing.T) {
	s := NewStore(time.Minute)
	token := s.Create(1)
	if !s.Invalidate(token) {
		t.Fatalf("first invalidate should report found")
	}
	if s.Invalidate(token) {
		t.Fatalf("second invalidate should report not found")
	}
	if _, ok := s.Resolve(token); ok {
		t.Fatalf("invalidated token resolved")
	}
}

func TestExpiry(t *testing.T) {
	s := NewStore(time.Minute)
	current := time.Unix(1000, 0)
	s.now = func() time.Time { return current }

	token := s.Create(3)
	if _, ok := s.Resolve(token); !ok {
		t.Fatalf("fresh token should resolve")
	}
	current = current.Add(2 * time.Minute)
	if _, ok := s.Resolve(token); ok {
		t.Fatalf("expired token resolved")
	}
	// The expired entry is gone, so invalidate reports not found.
	if s.Invalidate(token) {
		t.Fatalf("expired token should have been removed on resolve")
	}
}

func TestInvalidateUser(t *testing.T) {
	s := NewStore(time.Minute)
	a := s.Create(5)
	b := s.Create(5)
	other := s.Create(6)

	if n := s.InvalidateUser(5); n != 2 {
		t.Fatalf("InvalidateUser removed %d sessions, want 2", n)
	}
	if _, ok := s.Resolve(a); ok {
		t.Fatalf("revoked session resolved")
	}
	if _, ok := s.Resolve(b); ok {
		t.Fatalf("revoked session resolved")
	}
	if _, ok := s.Resolve(other); !ok {
		t.Fatalf("other user's session should survive")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			token := s.Create(userID)
			if got, ok := s.Resolve(token); !ok || got != userID {
				t.Errorf("Resolve = (%d, %v), want (%d, true)", got, ok, userID)
			}
			s.Invalidate(token)
		}(int64(i))
	}
	wg.Wait()
}

func TestTokensUnique(t *testing.T) {
	s := NewStore(time.Minute)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := s.Create(int64(i))
		if seen[token] {
			t.Fatalf("duplicate token issued")
		}
		seen[token] = true
	}
}
