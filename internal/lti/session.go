// internal/lti/session.go
package lti

import (
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultSessionTTL is how long a LaunchContext stays claimable after the
// callback redirect.
const DefaultSessionTTL = 5 * time.Minute

// SessionStore keeps LaunchContexts server-side for the hop between the
// callback redirect and the tool surface. Only the opaque reference crosses
// the browser, so claims and PII never land in URLs, history, or access
// logs.
type SessionStore struct {
	c *gocache.Cache
}

// NewSessionStore creates a store with the given TTL (DefaultSessionTTL
// when <= 0). Expired entries are swept in the background.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{c: gocache.New(ttl, ttl)}
}

// Put stores the context and returns its opaque reference.
func (s *SessionStore) Put(lc LaunchContext) string {
	ref := uuid.NewString()
	s.c.SetDefault(ref, lc)
	return ref
}

// Claim fetches and removes the context for ref. One-shot: a second claim
// of the same reference misses.
func (s *SessionStore) Claim(ref string) (LaunchContext, bool) {
	v, ok := s.c.Get(ref)
	if !ok {
		return LaunchContext{}, false
	}
	s.c.Delete(ref)
	lc, ok := v.(LaunchContext)
	return lc, ok
}
