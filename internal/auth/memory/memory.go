// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package memory provides in-process implementations of the auth
// repositories. State is lost on restart; use it for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/sessiond/internal/auth"
)

// UserRepository implements auth.UserRepository in memory.
type UserRepository struct {
	mu      sync.RWMutex
	byID    map[ulid.ULID]auth.User
	byEmail map[string]ulid.ULID
}

// NewUserRepository creates an empty UserRepository.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:    make(map[ulid.ULID]auth.User),
		byEmail: make(map[string]ulid.ULID),
	}
}

// Create stores a new user.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	if err := ctx.Err(); err != nil {
		return oops.Code("USER_CREATE_FAILED").Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byEmail[user.Email]; taken {
		return oops.Code("USER_DUPLICATE").With("email", user.Email).Wrap(auth.ErrDuplicate)
	}
	r.byID[user.ID] = *user
	r.byEmail[user.Email] = user.ID
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Code("USER_GET_FAILED").Wrap(err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return &u, nil
}

// GetByEmail retrieves a user by exact email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Code("USER_GET_FAILED").Wrap(err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	u := r.byID[id]
	return &u, nil
}

// UpdatePasswordHash replaces a user's password hash.
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, hash string) error {
	if err := ctx.Err(); err != nil {
		return oops.Code("USER_UPDATE_FAILED").Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	u.PasswordHash = hash
	r.byID[id] = u
	return nil
}

// SessionRegistry implements auth.SessionRegistry in memory. A single mutex
// makes every command atomic.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]auth.Session
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]auth.Session)}
}

// Create stores a new session.
func (r *SessionRegistry) Create(ctx context.Context, session *auth.Session) error {
	if err := ctx.Err(); err != nil {
		return oops.Code("SESSION_CREATE_FAILED").Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.JTI]; exists {
		return oops.Code("SESSION_DUPLICATE").With("jti", auth.ShortJTI(session.JTI)).Wrap(auth.ErrDuplicate)
	}
	r.sessions[session.JTI] = *session
	return nil
}

// FindByJTI retrieves a session.
func (r *SessionRegistry) FindByJTI(ctx context.Context, jti string) (*auth.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[jti]
	if !ok {
		return nil, oops.Code("SESSION_NOT_FOUND").With("jti", auth.ShortJTI(jti)).Wrap(auth.ErrNotFound)
	}
	return &s, nil
}

// Revoke marks a session revoked.
func (r *SessionRegistry) Revoke(ctx context.Context, jti string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, oops.Code("SESSION_REVOKE_FAILED").Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[jti]
	if !ok || s.Revoked {
		return false, nil
	}
	markRevoked(&s, at)
	r.sessions[jti] = s
	return true, nil
}

// ConsumeLive revokes a live session and returns it.
func (r *SessionRegistry) ConsumeLive(ctx context.Context, jti string, now time.Time) (*auth.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Code("SESSION_CONSUME_FAILED").Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[jti]
	if !ok || !s.IsLiveAt(now) {
		return nil, oops.Code("SESSION_NOT_LIVE").With("jti", auth.ShortJTI(jti)).Wrap(auth.ErrNotFound)
	}
	markRevoked(&s, now)
	r.sessions[jti] = s
	return &s, nil
}

// DeleteExpired removes sessions that expired before the given time.
func (r *SessionRegistry) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, oops.Code("SESSION_PRUNE_FAILED").Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for jti, s := range r.sessions {
		if s.ExpiresAt.Before(before) {
			delete(r.sessions, jti)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func markRevoked(s *auth.Session, at time.Time) {
	at = at.UTC()
	s.Revoked = true
	s.RevokedAt = &at
}

var (
	_ auth.UserRepository  = (*UserRepository)(nil)
	_ auth.SessionRegistry = (*SessionRegistry)(nil)
)
