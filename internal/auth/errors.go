// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"
)

// ErrNotFound indicates the requested entity was not found.
// Repository implementations wrap this error so callers can use errors.Is.
var ErrNotFound = errors.New("not found")

// ErrDuplicate indicates a uniqueness constraint was violated on create.
var ErrDuplicate = errors.New("duplicate")

// ErrorKind is the stable, machine-readable code carried by every error
// this package returns to callers.
type ErrorKind string

// Error kinds surfaced to callers.
const (
	KindInvalidCredentials ErrorKind = "AUTH_INVALID_CREDENTIALS"
	KindTokenExpired       ErrorKind = "AUTH_TOKEN_EXPIRED"
	KindTokenInvalid       ErrorKind = "AUTH_TOKEN_INVALID"
	KindTokenRevoked       ErrorKind = "AUTH_TOKEN_REVOKED"
	KindConflict           ErrorKind = "CONFLICT"
	KindValidation         ErrorKind = "VALIDATION_ERROR"
	KindUnavailable        ErrorKind = "SERVICE_UNAVAILABLE"
	KindInternal           ErrorKind = "INTERNAL_ERROR"
)

var publicMessages = map[ErrorKind]string{
	KindInvalidCredentials: "Invalid email or password",
	KindTokenExpired:       "Token has expired",
	KindTokenInvalid:       "Invalid token",
	KindTokenRevoked:       "Token has been revoked",
	KindConflict:           "Resource already exists",
	KindValidation:         "Request validation failed",
	KindUnavailable:        "Service temporarily unavailable",
	KindInternal:           "An unexpected error occurred",
}

// PublicMessage returns the human message for a kind. It never contains
// request-specific detail.
func PublicMessage(k ErrorKind) string {
	if msg, ok := publicMessages[k]; ok {
		return msg
	}
	return publicMessages[KindInternal]
}

// Kind classifies err. Errors that do not carry one of the known codes are
// reported as KindInternal.
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return KindInternal
	}
	code, _ := oopsErr.Code().(string)
	k := ErrorKind(code)
	if _, known := publicMessages[k]; known {
		return k
	}
	return KindInternal
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k ErrorKind) bool {
	return err != nil && Kind(err) == k
}

// newKindError builds a caller-facing error. It never wraps a cause so the
// kind code is not shadowed by a lower-level code.
func newKindError(k ErrorKind, attrs ...any) error {
	b := oops.Code(string(k))
	if len(attrs) > 0 {
		b = b.With(attrs...)
	}
	return b.Errorf("%s", PublicMessage(k))
}

// ValidationError builds a KindValidation error carrying per-field details.
func ValidationError(details map[string]string) error {
	return oops.Code(string(KindValidation)).
		With("details", details).
		Errorf("%s", PublicMessage(KindValidation))
}

// ValidationDetails extracts the per-field details from a KindValidation error.
func ValidationDetails(err error) map[string]string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	details, _ := oopsErr.Context()["details"].(map[string]string)
	return details
}
