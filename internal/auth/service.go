// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/sessiond/pkg/errutil"
)

const tracerName = "github.com/holomush/sessiond/internal/auth"

// OutcomeOK is the outcome recorded for successful operations.
const OutcomeOK = "ok"

// Revocation reasons reported to the Recorder.
const (
	RevokedByRotation = "rotation"
	RevokedByLogout   = "logout"
)

// Recorder receives operation outcomes. The observability package provides
// a Prometheus-backed implementation.
type Recorder interface {
	RecordOperation(operation, outcome string)
	RecordRevocation(reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string) {}
func (nopRecorder) RecordRevocation(string)        {}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
}

// Service orchestrates registration, authentication, token-pair issuance,
// rotation and revocation.
type Service struct {
	credentials    *CredentialStore
	sessions       SessionRegistry
	codec          *TokenCodec
	clock          Clock
	logger         *slog.Logger
	recorder       Recorder
	newID          IDGenerator
	storageTimeout time.Duration
	tracer         trace.Tracer
}

type serviceOptions struct {
	hasher         PasswordHasher
	clock          Clock
	logger         *slog.Logger
	recorder       Recorder
	newID          IDGenerator
	storageTimeout time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

// WithHasher sets the password hasher. Default: argon2id.
func WithHasher(h PasswordHasher) ServiceOption {
	return func(o *serviceOptions) { o.hasher = h }
}

// WithClock sets the time source. Default: the codec's clock.
func WithClock(c Clock) ServiceOption {
	return func(o *serviceOptions) { o.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ServiceOption {
	return func(o *serviceOptions) { o.recorder = r }
}

// WithIDGenerator replaces NewJTI.
func WithIDGenerator(g IDGenerator) ServiceOption {
	return func(o *serviceOptions) { o.newID = g }
}

// WithStorageTimeout bounds every storage call. Zero leaves the caller's deadline alone.
func WithStorageTimeout(d time.Duration) ServiceOption {
	return func(o *serviceOptions) { o.storageTimeout = d }
}

// NewService creates a Service.
func NewService(users UserRepository, sessions SessionRegistry, codec *TokenCodec, opts ...ServiceOption) (*Service, error) {
	if users == nil {
		return nil, oops.Errorf("user repository is required")
	}
	if sessions == nil {
		return nil, oops.Errorf("session registry is required")
	}
	if codec == nil {
		return nil, oops.Errorf("token codec is required")
	}

	o := serviceOptions{
		clock:    codec.clock,
		logger:   slog.Default(),
		recorder: nopRecorder{},
		newID:    NewJTI,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hasher == nil {
		o.hasher = NewArgon2idHasher()
	}
	if o.logger == nil {
		return nil, oops.Errorf("logger cannot be nil")
	}
	if o.clock == nil || o.recorder == nil || o.newID == nil {
		return nil, oops.Errorf("clock, recorder and id generator cannot be nil")
	}

	credentials, err := NewCredentialStore(users, o.hasher, o.clock)
	if err != nil {
		return nil, err
	}

	return &Service{
		credentials:    credentials,
		sessions:       sessions,
		codec:          codec,
		clock:          o.clock,
		logger:         o.logger,
		recorder:       o.recorder,
		newID:          o.newID,
		storageTimeout: o.storageTimeout,
		tracer:         otel.Tracer(tracerName),
	}, nil
}

// Register creates a new user.
func (s *Service) Register(ctx context.Context, email, password string) (user *User, err error) {
	ctx, done := s.begin(ctx, "register")
	defer func() { done(err) }()

	user, err = s.credentials.Create(ctx, email, password)
	if err != nil {
		if k := Kind(err); k == KindValidation || k == KindConflict {
			return nil, err
		}
		return nil, s.fault(ctx, "register", err)
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID.String())
	return user, nil
}

// Authenticate checks credentials. An unknown email and a wrong password
// yield the same KindInvalidCredentials error after the same amount of
// hashing work.
func (s *Service) Authenticate(ctx context.Context, email, password string) (user *User, err error) {
	ctx, done := s.begin(ctx, "authenticate")
	defer func() { done(err) }()

	return s.authenticate(ctx, email, password)
}

func (s *Service) authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.credentials.FindByEmail(ctx, email)
	if err != nil {
		return nil, s.fault(ctx, "find user", err)
	}

	if user == nil {
		s.credentials.VerifyAbsent(password)
		return nil, newKindError(KindInvalidCredentials)
	}

	// Active is checked after verification to keep timing uniform.
	if !s.credentials.Verify(password, user.PasswordHash) || !user.Active {
		return nil, newKindError(KindInvalidCredentials)
	}

	if err := s.credentials.UpgradeHash(ctx, user, password); err != nil {
		s.logger.WarnContext(ctx, "password hash upgrade failed",
			"user_id", user.ID.String(),
			"error", err)
	}
	return user, nil
}

// IssuePair mints an access/refresh pair sharing a new jti and persists the
// refresh session. No tokens are returned unless persistence succeeded.
func (s *Service) IssuePair(ctx context.Context, user *User) (pair *TokenPair, err error) {
	ctx, done := s.begin(ctx, "issue_pair")
	defer func() { done(err) }()

	return s.issuePair(ctx, user)
}

func (s *Service) issuePair(ctx context.Context, user *User) (*TokenPair, error) {
	if user == nil {
		return nil, s.fault(ctx, "issue pair", oops.Errorf("user is required"))
	}

	jti, err := s.newID()
	if err != nil {
		return nil, s.fault(ctx, "generate jti", err)
	}

	subject := user.ID.String()
	access, err := s.codec.Mint(subject, jti, TokenAccess, s.codec.AccessTTL())
	if err != nil {
		return nil, s.fault(ctx, "mint access token", err)
	}
	refresh, err := s.codec.Mint(subject, jti, TokenRefresh, s.codec.RefreshTTL())
	if err != nil {
		return nil, s.fault(ctx, "mint refresh token", err)
	}

	now := s.clock.Now()
	session, err := NewSession(jti, user.ID, now, now.Add(s.codec.RefreshTTL()))
	if err != nil {
		return nil, s.fault(ctx, "build session", err)
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	if err := s.sessions.Create(sctx, session); err != nil {
		return nil, s.fault(ctx, "persist session", err)
	}

	s.logger.DebugContext(ctx, "session issued",
		"user_id", subject,
		"jti", ShortJTI(jti),
		"expires_at", session.ExpiresAt)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.codec.AccessTTL() / time.Second),
	}, nil
}

// Login authenticates and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (pair *TokenPair, err error) {
	ctx, done := s.begin(ctx, "login")
	defer func() { done(err) }()

	user, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.issuePair(ctx, user)
}

// Refresh rotates a refresh token. The presented token's session is revoked
// atomically before the new pair is issued, so a given refresh token
// succeeds at most once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair *TokenPair, err error) {
	ctx, done := s.begin(ctx, "refresh")
	defer func() { done(err) }()

	claims, err := s.codec.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return nil, err
	}

	session, err := s.findSession(ctx, claims.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, newKindError(KindTokenRevoked)
	}
	if err != nil {
		return nil, s.fault(ctx, "find session", err)
	}
	if session.UserID.String() != claims.Subject {
		return nil, newKindError(KindTokenInvalid, "reason", "subject mismatch")
	}

	now := s.clock.Now()
	if !session.IsLiveAt(now) {
		return nil, newKindError(KindTokenRevoked)
	}

	user, err := s.findUser(ctx, session.UserID)
	if err != nil {
		return nil, s.fault(ctx, "find user", err)
	}
	if user == nil || !user.Active {
		return nil, newKindError(KindTokenRevoked)
	}

	// Linearization point: concurrent refreshes of the same jti race here
	// and exactly one wins.
	if err := s.consume(ctx, claims.ID, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newKindError(KindTokenRevoked)
		}
		return nil, s.fault(ctx, "consume session", err)
	}
	s.recorder.RecordRevocation(RevokedByRotation)

	return s.issuePair(ctx, user)
}

// RevokeSession revokes the session behind a refresh token. Revoking an
// unknown or already revoked session succeeds.
func (s *Service) RevokeSession(ctx context.Context, refreshToken string) (err error) {
	ctx, done := s.begin(ctx, "revoke")
	defer func() { done(err) }()

	claims, err := s.codec.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return err
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	revoked, err := s.sessions.Revoke(sctx, claims.ID, s.clock.Now())
	if err != nil {
		return s.fault(ctx, "revoke session", err)
	}
	if revoked {
		s.recorder.RecordRevocation(RevokedByLogout)
	}

	s.logger.InfoContext(ctx, "session revoked",
		"user_id", claims.Subject,
		"jti", ShortJTI(claims.ID),
		"changed", revoked)
	return nil
}

// PruneExpired deletes session records that expired before now minus
// olderThan. It is a retention job and is never called from the request path.
func (s *Service) PruneExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	before := s.clock.Now().Add(-olderThan)
	n, err := s.sessions.DeleteExpired(ctx, before)
	if err != nil {
		return 0, oops.Code("SESSION_PRUNE_FAILED").With("before", before).Wrap(err)
	}
	s.logger.InfoContext(ctx, "expired sessions pruned", "count", n, "before", before)
	return n, nil
}

// begin starts a span and returns a completion func that records the
// outcome for metrics and tracing.
func (s *Service) begin(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "auth."+operation)
	return ctx, func(err error) {
		outcome := OutcomeOK
		if err != nil {
			outcome = string(Kind(err))
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.String("auth.outcome", outcome))
		span.End()
		s.recorder.RecordOperation(operation, outcome)
	}
}

func (s *Service) findSession(ctx context.Context, jti string) (*Session, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.sessions.FindByJTI(sctx, jti) //nolint:wrapcheck // classified by Refresh
}

func (s *Service) findUser(ctx context.Context, id ulid.ULID) (*User, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.credentials.FindByID(sctx, id)
}

func (s *Service) consume(ctx context.Context, jti string, now time.Time) error {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	_, err := s.sessions.ConsumeLive(sctx, jti, now)
	return err //nolint:wrapcheck // classified by Refresh
}

// storageContext bounds a single storage call by storage.timeout.
func (s *Service) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storageTimeout)
}

// fault logs an unexpected error in full and returns a detail-free
// KindUnavailable or KindInternal error.
func (s *Service) fault(ctx context.Context, operation string, err error) error {
	kind := KindInternal
	if isTransient(err) {
		kind = KindUnavailable
	}
	errutil.LogErrorContext(ctx, s.logger, "auth operation failed",
		oops.With("operation", operation).With("kind", string(kind)).Wrap(err))
	return newKindError(kind)
}

// isTransient reports whether err is a timeout, cancellation or network
// failure, as opposed to a bug.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
