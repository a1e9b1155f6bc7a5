// internal/lti/state.go
package lti

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"
)

/*
Single-use state/nonce records binding an authorization redirect to its
form_post callback.

Issue generates a state token and a nonce (256 bits of entropy each) and
stores the record keyed by state. Consume is the one atomic check-and-mark:
of two concurrent callbacks racing on the same state, exactly one succeeds
and the other observes StateNotFound. Records are never reused; consumed and
expired entries are purged opportunistically on writes.
*/

// AuthState binds one authorization request to its eventual callback.
// Issuer and ClientID are captured at initiation time so the callback has a
// trusted expected issuer/audience before anything in the token is believed.
type AuthState struct {
	State         string
	Nonce         string
	Issuer        string
	ClientID      string
	TargetLinkURI string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Consumed      bool
}

// StateStore issues and consumes AuthState records.
type StateStore interface {
	Issue(ctx context.Context, issuer, clientID, targetLinkURI string) (AuthState, error)
	// Peek returns the record without consuming it. The callback uses it to
	// resolve the bound platform before signature verification.
	Peek(ctx context.Context, state string) (AuthState, error)
	// Consume atomically marks the record consumed. Fails with
	// ErrStateNotFound (missing, forged, or already consumed),
	// ErrStateExpired, or ErrNonceMismatch.
	Consume(ctx context.Context, state, nonce string) (AuthState, error)
}

// DefaultStateTTL is how long an issued state stays valid.
const DefaultStateTTL = 10 * time.Minute

// MemoryStateStore is the process-local StateStore. Safe for concurrent use.
type MemoryStateStore struct {
	// TTL for issued states; DefaultStateTTL when zero.
	TTL time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time

	mu       sync.Mutex
	entries  map[string]*AuthState
	useCount uint64
	purgeN   uint64
}

// NewMemoryStateStore creates an in-memory store with the given TTL
// (DefaultStateTTL when <= 0).
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &MemoryStateStore{
		TTL:     ttl,
		entries: make(map[string]*AuthState, 256),
		purgeN:  512,
	}
}

func (s *MemoryStateStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *MemoryStateStore) Issue(_ context.Context, issuer, clientID, targetLinkURI string) (AuthState, error) {
	now := s.now()
	st := AuthState{
		State:         randToken(),
		Nonce:         randToken(),
		Issuer:        issuer,
		ClientID:      clientID,
		TargetLinkURI: targetLinkURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.TTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.useCount++
	if s.useCount%s.purgeN == 0 {
		s.purgeLocked(now)
	}
	cp := st
	s.entries[st.State] = &cp
	return st, nil
}

func (s *MemoryStateStore) Peek(_ context.Context, state string) (AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[state]
	if !ok || rec.Consumed {
		return AuthState{}, ErrStateNotFound
	}
	if s.now().After(rec.ExpiresAt) {
		return AuthState{}, ErrStateExpired
	}
	return *rec, nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state, nonce string) (AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[state]
	if !ok || rec.Consumed {
		return AuthState{}, ErrStateNotFound
	}
	if s.now().After(rec.ExpiresAt) {
		delete(s.entries, state)
		return AuthState{}, ErrStateExpired
	}
	if subtle.ConstantTimeCompare([]byte(rec.Nonce), []byte(nonce)) != 1 {
		return AuthState{}, ErrNonceMismatch
	}
	rec.Consumed = true
	return *rec, nil
}

func (s *MemoryStateStore) purgeLocked(now time.Time) {
	for k, rec := range s.entries {
		if rec.Consumed || now.After(rec.ExpiresAt) {
			delete(s.entries, k)
		}
	}
}
