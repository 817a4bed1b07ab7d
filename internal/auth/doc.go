// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth issues, verifies, rotates and revokes session credentials.
//
// # Domain Types
//
// Domain types should be created using their constructors:
//   - NewUser - creates an active User with a hashed password
//   - NewSession - creates an active refresh Session with validated expiry
//
// Direct struct initialization bypasses validation and may create invalid state.
//
// # Components
//
//   - CredentialStore - user lookup, creation and password verification
//   - TokenCodec - HS256 JWT minting and verification
//   - SessionRegistry - persistence port for refresh sessions (see the
//     postgres, redis and memory subpackages)
//   - Service - register, login, refresh and logout flows
//
// # Errors
//
// Every error returned to callers carries one of the ErrorKind codes. Use
// Kind to classify an error; anything unrecognised is KindInternal.
package auth
