// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// dummyPasswordHash is verified against when a user doesn't exist so that
// unknown-email and wrong-password logins cost the same.
// This is NOT a real credential - it's a fake hash that will never match any password.
//
//nolint:gosec // G101: This is an intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// dummyBcryptHash plays the same role when bcrypt is the preferred algorithm.
//
//nolint:gosec // G101: fake hash, not a credential.
const dummyBcryptHash = "$2a$10$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// CredentialStore owns User records and password verification.
type CredentialStore struct {
	users  UserRepository
	hasher PasswordHasher
	clock  Clock
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(users UserRepository, hasher PasswordHasher, clock Clock) (*CredentialStore, error) {
	if users == nil {
		return nil, oops.Errorf("user repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &CredentialStore{users: users, hasher: hasher, clock: clock}, nil
}

// FindByEmail returns the user registered under email, or (nil, nil) if absent.
func (s *CredentialStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("USER_LOOKUP_FAILED").With("operation", "get user by email").Wrap(err)
	}
	return user, nil
}

// FindByID returns the user with the given ID, or (nil, nil) if absent.
func (s *CredentialStore) FindByID(ctx context.Context, id ulid.ULID) (*User, error) {
	user, err := s.users.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("USER_LOOKUP_FAILED").
			With("operation", "get user by id").
			With("user_id", id.String()).
			Wrap(err)
	}
	return user, nil
}

// Create validates the credentials, hashes the password and persists a new
// user. A taken email yields a KindConflict error.
func (s *CredentialStore) Create(ctx context.Context, email, password string) (*User, error) {
	if err := ValidateCredentials(email, password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code("USER_CREATE_FAILED").With("operation", "hash password").Wrap(err)
	}

	user, err := NewUser(email, hash, s.clock.Now())
	if err != nil {
		return nil, oops.Code("USER_CREATE_FAILED").With("operation", "build user").Wrap(err)
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, newKindError(KindConflict)
		}
		return nil, oops.Code("USER_CREATE_FAILED").With("operation", "persist user").Wrap(err)
	}
	return user, nil
}

// Verify reports whether password matches storedHash. Malformed hashes
// never match.
func (s *CredentialStore) Verify(password, storedHash string) bool {
	ok, err := s.hasher.Verify(password, storedHash)
	return err == nil && ok
}

// VerifyAbsent burns one hash verification against a dummy hash. It is
// called when a login names an unknown email.
func (s *CredentialStore) VerifyAbsent(password string) {
	dummy := dummyPasswordHash
	if s.hasher.NeedsUpgrade(dummy) {
		dummy = dummyBcryptHash
	}
	_, _ = s.hasher.Verify(password, dummy) //nolint:errcheck // timing only
}

// UpgradeHash re-hashes password with the preferred algorithm when the
// stored hash is in a legacy format. Failures are returned for logging only.
func (s *CredentialStore) UpgradeHash(ctx context.Context, user *User, password string) error {
	if !s.hasher.NeedsUpgrade(user.PasswordHash) {
		return nil
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return oops.Code("USER_HASH_UPGRADE_FAILED").With("operation", "hash password").Wrap(err)
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return oops.Code("USER_HASH_UPGRADE_FAILED").
			With("operation", "persist hash").
			With("user_id", user.ID.String()).
			Wrap(err)
	}
	user.PasswordHash = hash
	return nil
}
