// internal/lti/state_sql.go
package lti

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"time"
)

// SQLStateStore persists AuthState records in the oauth_states table
// (sqlite or postgres, see internal/db). The consumed flag is flipped by a
// single guarded UPDATE, so two racing callbacks cannot both win even when
// multiple gateway replicas share the database.
type SQLStateStore struct {
	db  *sql.DB
	ttl time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// NewSQLStateStore wraps db; ttl falls back to DefaultStateTTL when <= 0.
func NewSQLStateStore(db *sql.DB, ttl time.Duration) *SQLStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &SQLStateStore{db: db, ttl: ttl}
}

func (s *SQLStateStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *SQLStateStore) Issue(ctx context.Context, issuer, clientID, targetLinkURI string) (AuthState, error) {
	now := s.now()
	st := AuthState{
		State:         randToken(),
		Nonce:         randToken(),
		Issuer:        issuer,
		ClientID:      clientID,
		TargetLinkURI: targetLinkURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO oauth_states
		(state, nonce, issuer, client_id, target_link_uri, created_at, expires_at, consumed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE)`,
		st.State, st.Nonce, st.Issuer, st.ClientID, st.TargetLinkURI,
		st.CreatedAt.Unix(), st.ExpiresAt.Unix())
	if err != nil {
		return AuthState{}, err
	}
	// Lazy GC: sweep long-dead rows on a fraction of writes. Rows stay past
	// expiry for a grace window so Consume can still answer StateExpired.
	if now.Unix()%16 == 0 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at < $1`,
			now.Add(-1*time.Hour).Unix())
	}
	return st, nil
}

func (s *SQLStateStore) Peek(ctx context.Context, state string) (AuthState, error) {
	st, err := s.get(ctx, state)
	if err != nil {
		return AuthState{}, err
	}
	if st.Consumed {
		return AuthState{}, ErrStateNotFound
	}
	if s.now().After(st.ExpiresAt) {
		return AuthState{}, ErrStateExpired
	}
	return st, nil
}

func (s *SQLStateStore) Consume(ctx context.Context, state, nonce string) (AuthState, error) {
	// The UPDATE is the critical section: only one caller flips consumed.
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_states SET consumed = TRUE WHERE state = $1 AND consumed = FALSE`, state)
	if err != nil {
		return AuthState{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AuthState{}, err
	}
	if n == 0 {
		return AuthState{}, ErrStateNotFound
	}

	st, err := s.get(ctx, state)
	if err != nil {
		return AuthState{}, err
	}
	// The record is spent either way; expiry and nonce decide the verdict.
	if s.now().After(st.ExpiresAt) {
		return AuthState{}, ErrStateExpired
	}
	if subtle.ConstantTimeCompare([]byte(st.Nonce), []byte(nonce)) != 1 {
		return AuthState{}, ErrNonceMismatch
	}
	st.Consumed = true
	return st, nil
}

func (s *SQLStateStore) get(ctx context.Context, state string) (AuthState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state, nonce, issuer, client_id, target_link_uri,
		created_at, expires_at, consumed FROM oauth_states WHERE state = $1`, state)
	var st AuthState
	var created, expires int64
	if err := row.Scan(&st.State, &st.Nonce, &st.Issuer, &st.ClientID, &st.TargetLinkURI,
		&created, &expires, &st.Consumed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthState{}, ErrStateNotFound
		}
		return AuthState{}, err
	}
	st.CreatedAt = time.Unix(created, 0).UTC()
	st.ExpiresAt = time.Unix(expires, 0).UTC()
	return st, nil
}
