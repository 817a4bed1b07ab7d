// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Credential validation constraints.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
	MaxEmailLength    = 254
)

// User is an account that can authenticate.
type User struct {
	ID           ulid.ULID
	Email        string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

// NewUser creates a validated User. The email is stored exactly as given.
func NewUser(email, passwordHash string, createdAt time.Time) (*User, error) {
	if email == "" {
		return nil, oops.Code("USER_INVALID_EMAIL").Errorf("email cannot be empty")
	}
	if passwordHash == "" {
		return nil, oops.Code("USER_INVALID_HASH").Errorf("password hash cannot be empty")
	}
	if createdAt.IsZero() {
		return nil, oops.Code("USER_INVALID_CREATED_AT").Errorf("creation time cannot be zero")
	}
	return &User{
		ID:           ulid.Make(),
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    createdAt.UTC(),
	}, nil
}

// UserRepository manages user persistence.
type UserRepository interface {
	// Create stores a new user. A duplicate email returns an error wrapping ErrDuplicate.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID. Returns an error wrapping ErrNotFound if absent.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByEmail retrieves a user by exact email match.
	// Returns an error wrapping ErrNotFound if absent.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// UpdatePasswordHash replaces the stored hash, used when upgrading legacy hashes.
	UpdatePasswordHash(ctx context.Context, id ulid.ULID, hash string) error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type credentialInput struct {
	Email    string `validate:"required,email,max=254"`
	Password string `validate:"required,min=8,max=128"`
}

// ValidateCredentials checks email format and password length. The returned
// error is a KindValidation error with one detail per offending field.
func ValidateCredentials(email, password string) error {
	err := validate.Struct(credentialInput{Email: email, Password: password})
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return oops.Code(string(KindInternal)).With("operation", "validate credentials").Wrap(err)
	}

	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[strings.ToLower(fe.Field())] = DescribeFieldError(fe)
	}
	return ValidationError(details)
}

// DescribeFieldError renders a validator failure as a short client-facing
// message such as "must be at least 8 characters".
func DescribeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}
