// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"
)

// TokenType discriminates access tokens from refresh tokens.
type TokenType string

// Token types carried in the "type" claim.
const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// AlgorithmHS256 is the only signing algorithm accepted.
const AlgorithmHS256 = "HS256"

// MinSecretLength is the minimum signing secret size in bytes.
const MinSecretLength = 32

// SigningConfig is the process-wide token configuration. It is copied into
// the codec at construction and never changes afterwards.
type SigningConfig struct {
	Secret     []byte
	Algorithm  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Validate checks the configuration.
func (c SigningConfig) Validate() error {
	if len(c.Secret) < MinSecretLength {
		return oops.Code("TOKEN_CONFIG_INVALID").
			With("min_length", MinSecretLength).
			Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}
	if c.Algorithm != AlgorithmHS256 {
		return oops.Code("TOKEN_CONFIG_INVALID").
			With("algorithm", c.Algorithm).
			Errorf("unsupported signing algorithm %q", c.Algorithm)
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return oops.Code("TOKEN_CONFIG_INVALID").
			With("access_ttl", c.AccessTTL.String()).
			With("refresh_ttl", c.RefreshTTL.String()).
			Errorf("token lifetimes must be positive")
	}
	return nil
}

// Claims is the payload of every token.
type Claims struct {
	Type TokenType `json:"type"`
	jwt.RegisteredClaims
}

// TokenCodec mints and verifies signed, time-bounded tokens.
type TokenCodec struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      Clock
	parser     *jwt.Parser
}

// NewTokenCodec creates a TokenCodec. A nil clock uses SystemClock.
func NewTokenCodec(cfg SigningConfig, clock Clock) (*TokenCodec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock{}
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &TokenCodec{
		secret:     secret,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clock:      clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{AlgorithmHS256}),
			jwt.WithTimeFunc(clock.Now),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (c *TokenCodec) RefreshTTL() time.Duration { return c.refreshTTL }

// TTL returns the configured lifetime for typ.
func (c *TokenCodec) TTL(typ TokenType) time.Duration {
	if typ == TokenRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

// Mint signs a token for subject with the given jti, type and lifetime.
func (c *TokenCodec) Mint(subject, jti string, typ TokenType, ttl time.Duration) (string, error) {
	if subject == "" || jti == "" {
		return "", oops.Code("TOKEN_MINT_FAILED").Errorf("subject and jti are required")
	}
	if typ != TokenAccess && typ != TokenRefresh {
		return "", oops.Code("TOKEN_MINT_FAILED").With("type", string(typ)).Errorf("unknown token type")
	}
	if ttl <= 0 {
		return "", oops.Code("TOKEN_MINT_FAILED").With("ttl", ttl.String()).Errorf("ttl must be positive")
	}

	now := c.clock.Now()
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", oops.Code("TOKEN_MINT_FAILED").With("type", string(typ)).Wrap(err)
	}
	return signed, nil
}

// Verify checks the signature, lifetime and type of token. An expired but
// otherwise valid token yields KindTokenExpired; every other failure yields
// KindTokenInvalid.
func (c *TokenCodec) Verify(token string, expected TokenType) (*Claims, error) {
	claims := &Claims{}
	_, err := c.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, newKindError(KindTokenExpired)
		}
		return nil, newKindError(KindTokenInvalid, "reason", "parse")
	}

	if claims.Subject == "" || claims.ID == "" {
		return nil, newKindError(KindTokenInvalid, "reason", "missing claims")
	}
	if claims.Type != expected {
		return nil, newKindError(KindTokenInvalid, "reason", "type mismatch")
	}
	return claims, nil
}
