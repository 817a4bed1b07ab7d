// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/holomush/sessiond/internal/auth"
	"github.com/holomush/sessiond/internal/auth/memory"
)

type fixture struct {
	svc      *auth.Service
	users    *memory.UserRepository
	sessions *memory.SessionRegistry
	clock    *auth.FixedClock
	codec    *auth.TokenCodec
	recorder *spyRecorder
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		users:    memory.NewUserRepository(),
		sessions: memory.NewSessionRegistry(),
		clock:    auth.NewFixedClock(epoch),
		recorder: &spyRecorder{},
		logs:     &bytes.Buffer{},
	}
	f.codec = newTestCodec(t, f.clock)

	base := []auth.ServiceOption{
		auth.WithHasher(auth.NewBcryptHasher(bcrypt.MinCost)),
		auth.WithRecorder(f.recorder),
		auth.WithLogger(slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
	}
	svc, err := auth.NewService(f.users, f.sessions, f.codec, append(base, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) register(t *testing.T, email, password string) *auth.User {
	t.Helper()
	user, err := f.svc.Register(context.Background(), email, password)
	require.NoError(t, err)
	return user
}

func (f *fixture) login(t *testing.T, email, password string) *auth.TokenPair {
	t.Helper()
	pair, err := f.svc.Login(context.Background(), email, password)
	require.NoError(t, err)
	return pair
}

func (f *fixture) jti(t *testing.T, refreshToken string) string {
	t.Helper()
	claims, err := f.codec.Verify(refreshToken, auth.TokenRefresh)
	require.NoError(t, err)
	return claims.ID
}

func requireKind(t *testing.T, err error, want auth.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, auth.Kind(err), "error: %v", err)
}

func TestNewService_RequiresDependencies(t *testing.T) {
	codec := newTestCodec(t, nil)
	users := memory.NewUserRepository()
	sessions := memory.NewSessionRegistry()

	_, err := auth.NewService(nil, sessions, codec)
	assert.ErrorContains(t, err, "user repository is required")

	_, err = auth.NewService(users, nil, codec)
	assert.ErrorContains(t, err, "session registry is required")

	_, err = auth.NewService(users, sessions, nil)
	assert.ErrorContains(t, err, "token codec is required")

	_, err = auth.NewService(users, sessions, codec, auth.WithLogger(nil))
	assert.ErrorContains(t, err, "logger cannot be nil")
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	user, err := f.svc.Register(ctx, "a@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)
	assert.True(t, user.Active)
	assert.Equal(t, epoch, user.CreatedAt)

	_, err = f.svc.Register(ctx, "a@example.com", "password2")
	requireKind(t, err, auth.KindConflict)

	_, err = f.svc.Register(ctx, "b@example.com", "short")
	requireKind(t, err, auth.KindValidation)
	assert.Contains(t, auth.ValidationDetails(err), "password")

	ops, _ := f.recorder.snapshot()
	assert.Equal(t, []string{"register:ok", "register:CONFLICT", "register:VALIDATION_ERROR"}, ops)
	assert.NotContains(t, f.logs.String(), "password1")
}

func TestService_Login(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.register(t, "a@example.com", "password1")

	pair, err := f.svc.Login(ctx, "a@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, 900, pair.ExpiresIn)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	access, err := f.codec.Verify(pair.AccessToken, auth.TokenAccess)
	require.NoError(t, err)
	refresh, err := f.codec.Verify(pair.RefreshToken, auth.TokenRefresh)
	require.NoError(t, err)
	assert.Equal(t, access.ID, refresh.ID, "the pair shares one jti")
	assert.Equal(t, user.ID.String(), access.Subject)
	assert.Equal(t, epoch.Add(15*time.Minute), access.ExpiresAt.UTC())

	session, err := f.sessions.FindByJTI(ctx, refresh.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, session.UserID)
	assert.Equal(t, epoch.Add(7*24*time.Hour), session.ExpiresAt)
	assert.False(t, session.Revoked)

	logs := f.logs.String()
	assert.NotContains(t, logs, "password1")
	assert.NotContains(t, logs, pair.RefreshToken)
	assert.NotContains(t, logs, refresh.ID, "only the jti prefix is logged")
}

func TestService_Login_DoesNotRevealWhichPartFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "a@example.com", "password1")

	_, unknownErr := f.svc.Login(ctx, "nobody@example.com", "password1")
	_, wrongErr := f.svc.Login(ctx, "a@example.com", "password2")

	requireKind(t, unknownErr, auth.KindInvalidCredentials)
	requireKind(t, wrongErr, auth.KindInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
	assert.Equal(t, 0, f.sessions.Len(), "no session is created on failure")
}

func TestService_Login_InactiveUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	hash, err := auth.NewBcryptHasher(bcrypt.MinCost).Hash("password1")
	require.NoError(t, err)
	user, err := auth.NewUser("off@example.com", hash, epoch)
	require.NoError(t, err)
	user.Active = false
	require.NoError(t, f.users.Create(ctx, user))

	_, err = f.svc.Login(ctx, "off@example.com", "password1")
	requireKind(t, err, auth.KindInvalidCredentials)
}

func TestService_Login_UpgradesLegacyHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, auth.WithHasher(auth.NewArgon2idHasher()))

	legacy, err := bcrypt.GenerateFromPassword([]byte("password1"), bcrypt.MinCost)
	require.NoError(t, err)
	user, err := auth.NewUser("old@example.com", string(legacy), epoch)
	require.NoError(t, err)
	require.NoError(t, f.users.Create(ctx, user))

	f.login(t, "old@example.com", "password1")

	stored, err := f.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.PasswordHash, "$argon2id$"))

	f.login(t, "old@example.com", "password1")
}

func TestService_Refresh_RotatesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "a@example.com", "password1")
	first := f.login(t, "a@example.com", "password1")
	firstJTI := f.jti(t, first.RefreshToken)

	f.clock.Advance(time.Minute)
	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	secondJTI := f.jti(t, second.RefreshToken)
	assert.NotEqual(t, firstJTI, secondJTI)

	old, err := f.sessions.FindByJTI(ctx, firstJTI)
	require.NoError(t, err)
	assert.True(t, old.Revoked)
	require.NotNil(t, old.RevokedAt)
	assert.Equal(t, epoch.Add(time.Minute), *old.RevokedAt)

	fresh, err := f.sessions.FindByJTI(ctx, secondJTI)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute+7*24*time.Hour), fresh.ExpiresAt)

	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	requireKind(t, err, auth.KindTokenRevoked)

	third, err := f.svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, third.AccessToken)

	_, revocations := f.recorder.snapshot()
	assert.Equal(t, []string{auth.RevokedByRotation, auth.RevokedByRotation}, revocations)
}

func TestService_Refresh_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("access token is not a refresh token", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "a@example.com", "password1")
		pair := f.login(t, "a@example.com", "password1")

		_, err := f.svc.Refresh(ctx, pair.AccessToken)
		requireKind(t, err, auth.KindTokenInvalid)
	})

	t.Run("garbage", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Refresh(ctx, "garbage")
		requireKind(t, err, auth.KindTokenInvalid)
	})

	t.Run("expired token", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "a@example.com", "password1")
		pair := f.login(t, "a@example.com", "password1")

		f.clock.Advance(7 * 24 * time.Hour)
		_, err := f.svc.Refresh(ctx, pair.RefreshToken)
		requireKind(t, err, auth.KindTokenExpired)
	})

	t.Run("record expiry wins over token expiry", func(t *testing.T) {
		f := newFixture(t)
		user := f.register(t, "a@example.com", "password1")
		jti := "fedcba9876543210fedcba9876543210"
		session, err := auth.NewSession(jti, user.ID, epoch, epoch.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, f.sessions.Create(ctx, session))

		token, err := f.codec.Mint(user.ID.String(), jti, auth.TokenRefresh, time.Hour)
		require.NoError(t, err)

		f.clock.Advance(2 * time.Minute)
		_, err = f.codec.Verify(token, auth.TokenRefresh)
		require.NoError(t, err, "token itself is still within exp")

		_, err = f.svc.Refresh(ctx, token)
		requireKind(t, err, auth.KindTokenRevoked)
	})

	t.Run("valid signature but no session record", func(t *testing.T) {
		f := newFixture(t)
		user := f.register(t, "a@example.com", "password1")
		token, err := f.codec.Mint(user.ID.String(), "0123456789abcdef0123456789abcdef", auth.TokenRefresh, time.Hour)
		require.NoError(t, err)

		_, err = f.svc.Refresh(ctx, token)
		requireKind(t, err, auth.KindTokenRevoked)
	})

	t.Run("subject does not own the session", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "a@example.com", "password1")
		pair := f.login(t, "a@example.com", "password1")

		forged, err := f.codec.Mint(ulid.Make().String(), f.jti(t, pair.RefreshToken), auth.TokenRefresh, time.Hour)
		require.NoError(t, err)

		_, err = f.svc.Refresh(ctx, forged)
		requireKind(t, err, auth.KindTokenInvalid)

		_, err = f.svc.Refresh(ctx, pair.RefreshToken)
		require.NoError(t, err, "the legitimate token still rotates")
	})

	t.Run("after logout", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "a@example.com", "password1")
		pair := f.login(t, "a@example.com", "password1")

		require.NoError(t, f.svc.RevokeSession(ctx, pair.RefreshToken))
		_, err := f.svc.Refresh(ctx, pair.RefreshToken)
		requireKind(t, err, auth.KindTokenRevoked)
	})

	t.Run("user deactivated", func(t *testing.T) {
		f := newFixture(t)
		hash, err := auth.NewBcryptHasher(bcrypt.MinCost).Hash("password1")
		require.NoError(t, err)
		user, err := auth.NewUser("off@example.com", hash, epoch)
		require.NoError(t, err)
		user.Active = false
		require.NoError(t, f.users.Create(ctx, user))

		pair, err := f.svc.IssuePair(ctx, user)
		require.NoError(t, err)

		_, err = f.svc.Refresh(ctx, pair.RefreshToken)
		requireKind(t, err, auth.KindTokenRevoked)
	})
}

func TestService_Refresh_ConcurrentCallsHaveOneWinner(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "a@example.com", "password1")
	pair := f.login(t, "a@example.com", "password1")

	const callers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]error, callers)
		pairs   = make([]*auth.TokenPair, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			pairs[i], results[i] = f.svc.Refresh(ctx, pair.RefreshToken)
		}()
	}
	close(start)
	wg.Wait()

	wins := 0
	for i, err := range results {
		if err == nil {
			wins++
			require.NotNil(t, pairs[i])
			continue
		}
		requireKind(t, err, auth.KindTokenRevoked)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 2, f.sessions.Len(), "original plus exactly one rotated session")
}

func TestService_RevokeSession(t *testing.T) {
	ctx := context.Background()

	t.Run("is idempotent", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "a@example.com", "password1")
		pair := f.login(t, "a@example.com", "password1")

		require.NoError(t, f.svc.RevokeSession(ctx, pair.RefreshToken))
		require.NoError(t, f.svc.RevokeSession(ctx, pair.RefreshToken))

		session, err := f.sessions.FindByJTI(ctx, f.jti(t, pair.RefreshToken))
		require.NoError(t, err)
		assert.True(t, session.Revoked)

		_, revocations := f.recorder.snapshot()
		assert.Equal(t, []string{auth.RevokedByLogout}, revocations, "only the first call counts")
	})

	t.Run("unknown session succeeds", func(t *testing.T) {
		f := newFixture(t)
		token, err := f.codec.Mint(ulid.Make().String(), "feedfacefeedfacefeedfacefeedface", auth.TokenRefresh, time.Hour)
		require.NoError(t, err)
		assert.NoError(t, f.svc.RevokeSession(ctx, token))
	})

	t.Run("malformed token", func(t *testing.T) {
		f := newFixture(t)
		requireKind(t, f.svc.RevokeSession(ctx, "nope"), auth.KindTokenInvalid)
	})

	t.Run("access token", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "a@example.com", "password1")
		pair := f.login(t, "a@example.com", "password1")
		requireKind(t, f.svc.RevokeSession(ctx, pair.AccessToken), auth.KindTokenInvalid)
	})

	t.Run("expired token", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "a@example.com", "password1")
		pair := f.login(t, "a@example.com", "password1")
		f.clock.Advance(8 * 24 * time.Hour)
		requireKind(t, f.svc.RevokeSession(ctx, pair.RefreshToken), auth.KindTokenExpired)
	})
}

func TestService_StorageFaults(t *testing.T) {
	ctx := context.Background()
	user, err := auth.NewUser("a@example.com", "$2a$04$unused", epoch)
	require.NoError(t, err)

	t.Run("session persistence failure yields no tokens", func(t *testing.T) {
		sessions := new(mockSessionRegistry)
		sessions.On("Create", mock.Anything, mock.AnythingOfType("*auth.Session")).Return(errors.New("disk full"))
		svc, err := auth.NewService(memory.NewUserRepository(), sessions, newTestCodec(t, auth.NewFixedClock(epoch)))
		require.NoError(t, err)

		pair, err := svc.IssuePair(ctx, user)
		assert.Nil(t, pair)
		requireKind(t, err, auth.KindInternal)
		assert.NotContains(t, err.Error(), "disk full", "details stay in the logs")
		sessions.AssertExpectations(t)
	})

	t.Run("timeouts map to unavailable", func(t *testing.T) {
		sessions := new(mockSessionRegistry)
		sessions.On("Create", mock.Anything, mock.Anything).Return(context.DeadlineExceeded)
		svc, err := auth.NewService(memory.NewUserRepository(), sessions, newTestCodec(t, auth.NewFixedClock(epoch)))
		require.NoError(t, err)

		_, err = svc.IssuePair(ctx, user)
		requireKind(t, err, auth.KindUnavailable)
	})

	t.Run("storage timeout bounds a hung registry", func(t *testing.T) {
		clock := auth.NewFixedClock(epoch)
		codec := newTestCodec(t, clock)
		token, err := codec.Mint(user.ID.String(), "0123456789abcdef0123456789abcdef", auth.TokenRefresh, time.Hour)
		require.NoError(t, err)

		sessions := new(mockSessionRegistry)
		sessions.On("FindByJTI", mock.Anything, "0123456789abcdef0123456789abcdef").
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.DeadlineExceeded)

		svc, err := auth.NewService(memory.NewUserRepository(), sessions, codec,
			auth.WithStorageTimeout(20*time.Millisecond))
		require.NoError(t, err)

		_, err = svc.Refresh(ctx, token)
		requireKind(t, err, auth.KindUnavailable)
	})

	t.Run("lookup failure during login is not reported as bad credentials", func(t *testing.T) {
		users := new(mockUserRepository)
		users.On("GetByEmail", mock.Anything, "a@example.com").Return(nil, errors.New("relation does not exist"))
		svc, err := auth.NewService(users, memory.NewSessionRegistry(), newTestCodec(t, nil))
		require.NoError(t, err)

		_, err = svc.Login(ctx, "a@example.com", "password1")
		requireKind(t, err, auth.KindInternal)
	})

	t.Run("consume failure", func(t *testing.T) {
		clock := auth.NewFixedClock(epoch)
		codec := newTestCodec(t, clock)
		jti := "0123456789abcdef0123456789abcdef"
		token, err := codec.Mint(user.ID.String(), jti, auth.TokenRefresh, time.Hour)
		require.NoError(t, err)
		live, err := auth.NewSession(jti, user.ID, epoch, epoch.Add(time.Hour))
		require.NoError(t, err)

		users := new(mockUserRepository)
		users.On("GetByID", mock.Anything, user.ID).Return(user, nil)
		sessions := new(mockSessionRegistry)
		sessions.On("FindByJTI", mock.Anything, jti).Return(live, nil)
		sessions.On("ConsumeLive", mock.Anything, jti, epoch).Return(nil, context.Canceled)

		svc, err := auth.NewService(users, sessions, codec)
		require.NoError(t, err)

		_, err = svc.Refresh(ctx, token)
		requireKind(t, err, auth.KindUnavailable)
		sessions.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestService_Refresh_EachStorageCallHasItsOwnDeadline(t *testing.T) {
	ctx := context.Background()
	user, err := auth.NewUser("a@example.com", "$2a$04$unused", epoch)
	require.NoError(t, err)

	clock := auth.NewFixedClock(epoch)
	codec := newTestCodec(t, clock)
	jti := "0123456789abcdef0123456789abcdef"
	token, err := codec.Mint(user.ID.String(), jti, auth.TokenRefresh, time.Hour)
	require.NoError(t, err)
	live, err := auth.NewSession(jti, user.ID, epoch, epoch.Add(time.Hour))
	require.NoError(t, err)

	var deadlines []time.Time
	capture := func(args mock.Arguments) {
		d, ok := args.Get(0).(context.Context).Deadline()
		require.True(t, ok)
		deadlines = append(deadlines, d)
		time.Sleep(5 * time.Millisecond)
	}

	users := new(mockUserRepository)
	users.On("GetByID", mock.Anything, user.ID).Run(capture).Return(user, nil)
	sessions := new(mockSessionRegistry)
	sessions.On("FindByJTI", mock.Anything, jti).Run(capture).Return(live, nil)
	sessions.On("ConsumeLive", mock.Anything, jti, epoch).Run(capture).Return(live, nil)
	sessions.On("Create", mock.Anything, mock.AnythingOfType("*auth.Session")).Return(nil)

	svc, err := auth.NewService(users, sessions, codec, auth.WithStorageTimeout(time.Hour))
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, token)
	require.NoError(t, err)

	require.Len(t, deadlines, 3)
	assert.True(t, deadlines[1].After(deadlines[0]), "user lookup gets a fresh deadline")
	assert.True(t, deadlines[2].After(deadlines[1]), "consume gets a fresh deadline")
}

func TestService_IDGeneratorFailure(t *testing.T) {
	f := newFixture(t, auth.WithIDGenerator(func() (string, error) {
		return "", errors.New("entropy exhausted")
	}))
	user := f.register(t, "a@example.com", "password1")

	_, err := f.svc.IssuePair(context.Background(), user)
	requireKind(t, err, auth.KindInternal)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestService_PruneExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "a@example.com", "password1")
	f.login(t, "a@example.com", "password1")

	f.clock.Advance(7*24*time.Hour + time.Hour)
	f.login(t, "a@example.com", "password1")

	n, err := f.svc.PruneExpired(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, f.sessions.Len())

	n, err = f.svc.PruneExpired(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
