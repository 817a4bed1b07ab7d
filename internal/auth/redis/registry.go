// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package redis implements auth.SessionRegistry on Redis.
//
// Each session is a hash at <prefix>session:<jti>. A sorted set at
// <prefix>sessions:by_expiry indexes jtis by expiry for the retention sweep.
// Every mutation runs as a Lua script so it is atomic on the server.
// Times are stored as unix microseconds.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/sessiond/internal/auth"
)

// DefaultKeyPrefix namespaces every key the registry writes.
const DefaultKeyPrefix = "sessiond:"

var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[2], 'expires_at', ARGV[3], 'revoked', '0', 'created_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var revokeScript = goredis.NewScript(`
local revoked = redis.call('HGET', KEYS[1], 'revoked')
if revoked == false or revoked == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1])
return 1
`)

var consumeScript = goredis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'revoked', 'expires_at')
if v[1] == false or v[1] == '1' then
  return 0
end
if tonumber(v[2]) <= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

var pruneScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, jti in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. jti)
end
if #ids > 0 then
  redis.call('ZREM', KEYS[1], unpack(ids))
end
return #ids
`)

// SessionRegistry implements auth.SessionRegistry using Redis.
type SessionRegistry struct {
	client goredis.UniversalClient
	prefix string
}

// Option configures a SessionRegistry.
type Option func(*SessionRegistry)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(r *SessionRegistry) { r.prefix = prefix }
}

// NewSessionRegistry creates a SessionRegistry on client.
func NewSessionRegistry(client goredis.UniversalClient, opts ...Option) *SessionRegistry {
	r := &SessionRegistry{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SessionRegistry) sessionKey(jti string) string {
	return r.sessionKeyPrefix() + jti
}

func (r *SessionRegistry) sessionKeyPrefix() string {
	return r.prefix + "session:"
}

func (r *SessionRegistry) expiryKey() string {
	return r.prefix + "sessions:by_expiry"
}

// Create stores a new refresh session.
func (r *SessionRegistry) Create(ctx context.Context, session *auth.Session) error {
	created, err := createScript.Run(ctx, r.client,
		[]string{r.sessionKey(session.JTI), r.expiryKey()},
		session.JTI,
		session.UserID.String(),
		toMicros(session.ExpiresAt),
		toMicros(session.CreatedAt),
	).Int()
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "create session").
			With("user_id", session.UserID.String()).
			Wrap(err)
	}
	if created == 0 {
		return oops.Code("SESSION_DUPLICATE").
			With("jti", auth.ShortJTI(session.JTI)).
			Wrap(auth.ErrDuplicate)
	}
	return nil
}

// FindByJTI retrieves a session by its token identifier.
func (r *SessionRegistry) FindByJTI(ctx context.Context, jti string) (*auth.Session, error) {
	fields, err := r.client.HGetAll(ctx, r.sessionKey(jti)).Result()
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").
			With("operation", "get session by jti").
			With("jti", auth.ShortJTI(jti)).
			Wrap(err)
	}
	if len(fields) == 0 {
		return nil, oops.Code("SESSION_NOT_FOUND").
			With("jti", auth.ShortJTI(jti)).
			Wrap(auth.ErrNotFound)
	}
	return parseSession(jti, fields)
}

// Revoke marks a session revoked. Only the call that flips the flag reports true.
func (r *SessionRegistry) Revoke(ctx context.Context, jti string, at time.Time) (bool, error) {
	flipped, err := revokeScript.Run(ctx, r.client, []string{r.sessionKey(jti)}, toMicros(at)).Int()
	if err != nil {
		return false, oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "revoke session").
			With("jti", auth.ShortJTI(jti)).
			Wrap(err)
	}
	return flipped == 1, nil
}

// ConsumeLive revokes the session only if it is unrevoked and unexpired.
func (r *SessionRegistry) ConsumeLive(ctx context.Context, jti string, now time.Time) (*auth.Session, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{r.sessionKey(jti)}, toMicros(now)).Result()
	if err != nil {
		return nil, oops.Code("SESSION_CONSUME_FAILED").
			With("operation", "consume session").
			With("jti", auth.ShortJTI(jti)).
			Wrap(err)
	}

	flat, ok := res.([]any)
	if !ok {
		return nil, oops.Code("SESSION_NOT_LIVE").
			With("jti", auth.ShortJTI(jti)).
			Wrap(auth.ErrNotFound)
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return parseSession(jti, fields)
}

// DeleteExpired removes sessions that expired before the given time.
func (r *SessionRegistry) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := pruneScript.Run(ctx, r.client,
		[]string{r.expiryKey()},
		toMicros(before),
		r.sessionKeyPrefix(),
	).Int64()
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired sessions").
			Wrap(err)
	}
	return n, nil
}

// Ping checks connectivity to the server.
func (r *SessionRegistry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return oops.Code("REDIS_UNREACHABLE").Wrap(err)
	}
	return nil
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err //nolint:wrapcheck // wrapped by parseSession
	}
	return time.UnixMicro(n).UTC(), nil
}

func parseSession(jti string, fields map[string]string) (*auth.Session, error) {
	corrupt := func(field string, err error) error {
		return oops.Code("SESSION_CORRUPT").
			With("jti", auth.ShortJTI(jti)).
			With("field", field).
			Wrap(err)
	}

	userID, err := ulid.Parse(fields["user_id"])
	if err != nil {
		return nil, corrupt("user_id", err)
	}
	expiresAt, err := fromMicros(fields["expires_at"])
	if err != nil {
		return nil, corrupt("expires_at", err)
	}
	createdAt, err := fromMicros(fields["created_at"])
	if err != nil {
		return nil, corrupt("created_at", err)
	}

	session := &auth.Session{
		JTI:       jti,
		UserID:    userID,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
		Revoked:   fields["revoked"] == "1",
	}
	if raw, ok := fields["revoked_at"]; ok && raw != "" {
		at, err := fromMicros(raw)
		if err != nil {
			return nil, corrupt("revoked_at", err)
		}
		session.RevokedAt = &at
	}
	if session.Revoked && session.RevokedAt == nil {
		return nil, corrupt("revoked_at", errors.New("revoked without timestamp"))
	}
	return session, nil
}

var _ auth.SessionRegistry = (*SessionRegistry)(nil)
