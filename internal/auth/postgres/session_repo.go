// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/sessiond/internal/auth"
)

const sessionColumns = `jti, user_id, expires_at, revoked, revoked_at, created_at`

// SessionRegistry implements auth.SessionRegistry using PostgreSQL.
// Rotation relies on a conditional UPDATE so that concurrent callers,
// possibly in different processes, see exactly one winner per jti.
type SessionRegistry struct {
	db DB
}

// NewSessionRegistry creates a new SessionRegistry.
func NewSessionRegistry(db DB) *SessionRegistry {
	return &SessionRegistry{db: db}
}

// Create stores a new refresh session.
func (r *SessionRegistry) Create(ctx context.Context, session *auth.Session) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO refresh_sessions (jti, user_id, expires_at, revoked, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		session.JTI,
		session.UserID.String(),
		session.ExpiresAt.UTC(),
		session.Revoked,
		session.RevokedAt,
		session.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return oops.Code("SESSION_DUPLICATE").
			With("jti", auth.ShortJTI(session.JTI)).
			Wrap(auth.ErrDuplicate)
	}
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert refresh_session").
			With("user_id", session.UserID.String()).
			Wrap(err)
	}
	return nil
}

// FindByJTI retrieves a session by its token identifier.
func (r *SessionRegistry) FindByJTI(ctx context.Context, jti string) (*auth.Session, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM refresh_sessions
		WHERE jti = $1
	`, jti)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").
			With("jti", auth.ShortJTI(jti)).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").
			With("operation", "get session by jti").
			With("jti", auth.ShortJTI(jti)).
			Wrap(err)
	}
	return session, nil
}

// Revoke marks a session revoked. Only the first call on a live or expired
// record reports true.
func (r *SessionRegistry) Revoke(ctx context.Context, jti string, at time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE refresh_sessions SET revoked = TRUE, revoked_at = $2
		WHERE jti = $1 AND revoked = FALSE
	`, jti, at.UTC())
	if err != nil {
		return false, oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "revoke refresh_session").
			With("jti", auth.ShortJTI(jti)).
			Wrap(err)
	}
	return result.RowsAffected() == 1, nil
}

// ConsumeLive revokes the session only if it is unrevoked and unexpired,
// in a single statement.
func (r *SessionRegistry) ConsumeLive(ctx context.Context, jti string, now time.Time) (*auth.Session, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE refresh_sessions SET revoked = TRUE, revoked_at = $2
		WHERE jti = $1 AND revoked = FALSE AND expires_at > $2
		RETURNING `+sessionColumns+`
	`, jti, now.UTC())

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_LIVE").
			With("jti", auth.ShortJTI(jti)).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_CONSUME_FAILED").
			With("operation", "consume refresh_session").
			With("jti", auth.ShortJTI(jti)).
			Wrap(err)
	}
	return session, nil
}

// DeleteExpired removes sessions that expired before the given time.
func (r *SessionRegistry) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM refresh_sessions WHERE expires_at < $1
	`, before.UTC())
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired refresh_sessions").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanSession scans a single row into a Session.
// Callers are responsible for handling pgx.ErrNoRows.
func scanSession(row pgx.Row) (*auth.Session, error) {
	var (
		session   auth.Session
		userIDStr string
		revokedAt *time.Time
	)
	err := row.Scan(&session.JTI, &userIDStr, &session.ExpiresAt, &session.Revoked, &revokedAt, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("SESSION_SCAN_FAILED").
			With("operation", "scan refresh_session").
			Wrap(err)
	}

	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_USER_ID").
			With("operation", "parse user id").
			With("user_id", userIDStr).
			Wrap(err)
	}
	session.UserID = userID
	session.ExpiresAt = session.ExpiresAt.UTC()
	session.CreatedAt = session.CreatedAt.UTC()
	if revokedAt != nil {
		t := revokedAt.UTC()
		session.RevokedAt = &t
	}
	return &session, nil
}

// Compile-time interface check.
var _ auth.SessionRegistry = (*SessionRegistry)(nil)
