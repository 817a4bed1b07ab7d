// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// JTIBytes is the amount of randomness in a token identifier.
const JTIBytes = 16 // 16 bytes = 32 hex chars

// Session is the persisted record for one issued refresh token.
type Session struct {
	JTI       string
	UserID    ulid.ULID
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time
	CreatedAt time.Time
}

// NewSession creates a validated, active Session. Times are normalised to UTC.
func NewSession(jti string, userID ulid.ULID, createdAt, expiresAt time.Time) (*Session, error) {
	if jti == "" {
		return nil, oops.Code("SESSION_INVALID_JTI").Errorf("jti cannot be empty")
	}
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if !expiresAt.After(createdAt) {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").
			With("created_at", createdAt).
			With("expires_at", expiresAt).
			Errorf("expiry must be after creation")
	}
	return &Session{
		JTI:       jti,
		UserID:    userID,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: createdAt.UTC(),
	}, nil
}

// IsExpiredAt returns true if the session has expired as of now.
func (s *Session) IsExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsLiveAt returns true if the session is neither revoked nor expired.
func (s *Session) IsLiveAt(now time.Time) bool {
	return !s.Revoked && !s.IsExpiredAt(now)
}

// SessionRegistry persists refresh session records. Every mutation is a
// single atomic command against storage; callers never hold a transaction.
type SessionRegistry interface {
	// Create stores a new session. A duplicate jti returns an error wrapping ErrDuplicate.
	Create(ctx context.Context, session *Session) error

	// FindByJTI retrieves a session. Returns an error wrapping ErrNotFound if absent.
	FindByJTI(ctx context.Context, jti string) (*Session, error)

	// Revoke marks the session revoked. Returns true only if this call
	// changed the flag; an absent or already revoked session is (false, nil).
	Revoke(ctx context.Context, jti string, at time.Time) (bool, error)

	// ConsumeLive atomically revokes the session if it exists, is not revoked
	// and has not expired as of now, returning the consumed record. Any other
	// state returns an error wrapping ErrNotFound.
	ConsumeLive(ctx context.Context, jti string, now time.Time) (*Session, error)

	// DeleteExpired removes sessions that expired before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// IDGenerator produces token identifiers.
type IDGenerator func() (string, error)

// NewJTI returns a random 128-bit identifier as lowercase hex.
func NewJTI() (string, error) {
	b := make([]byte, JTIBytes)
	if _, err := rand.Read(b); err != nil {
		return "", oops.Code("JTI_GENERATE_FAILED").Wrap(err)
	}
	return hex.EncodeToString(b), nil
}

// ShortJTI returns a log-safe prefix of a jti.
func ShortJTI(jti string) string {
	if len(jti) > 8 {
		return jti[:8]
	}
	return jti
}
