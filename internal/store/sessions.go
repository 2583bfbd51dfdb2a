package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Session binds a hashed session token to a user.
type Session struct {
	TokenHash string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreateSession stores a session keyed by the hash of its token.
func (s *Store) CreateSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if tokenHash == "" {
		return &ValidationError{Field: "token", Message: "is required"}
	}
	if userID == "" {
		return &ValidationError{Field: "user_id", Message: "is required"}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token_hash, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		tokenHash, userID, s.nowMillis(), expiresAt.UnixMilli())
	return dbErr("create session", err)
}

// LookupSession returns the unexpired session for tokenHash.
func (s *Store) LookupSession(ctx context.Context, tokenHash string) (*Session, error) {
	var (
		sess             Session
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, user_id, created_at, expires_at FROM sessions WHERE token_hash = ? AND expires_at > ?`,
		tokenHash, s.nowMillis()).Scan(&sess.TokenHash, &sess.UserID, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("lookup session", err)
	}
	sess.CreatedAt = fromMillis(created)
	sess.ExpiresAt = fromMillis(expires)
	return &sess, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	return affectedOne("delete session", res, err)
}

// PurgeExpiredSessions deletes sessions that expired before now.
func (s *Store) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.nowMillis())
	if err != nil {
		return 0, dbErr("purge sessions", err)
	}
	n, err := res.RowsAffected()
	return n, dbErr("purge sessions", err)
}
