// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"

	"github.com/holomush/sessiond/internal/auth"
)

// mockUserRepository is a mock for auth.UserRepository.
type mockUserRepository struct {
	mock.Mock
}

func (m *mockUserRepository) Create(ctx context.Context, user *auth.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *mockUserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.User), args.Error(1)
}

func (m *mockUserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.User), args.Error(1)
}

func (m *mockUserRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, hash string) error {
	args := m.Called(ctx, id, hash)
	return args.Error(0)
}

// mockSessionRegistry is a mock for auth.SessionRegistry.
type mockSessionRegistry struct {
	mock.Mock
}

func (m *mockSessionRegistry) Create(ctx context.Context, session *auth.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *mockSessionRegistry) FindByJTI(ctx context.Context, jti string) (*auth.Session, error) {
	args := m.Called(ctx, jti)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Session), args.Error(1)
}

func (m *mockSessionRegistry) Revoke(ctx context.Context, jti string, at time.Time) (bool, error) {
	args := m.Called(ctx, jti, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockSessionRegistry) ConsumeLive(ctx context.Context, jti string, now time.Time) (*auth.Session, error) {
	args := m.Called(ctx, jti, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Session), args.Error(1)
}

func (m *mockSessionRegistry) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// spyRecorder captures what the service reports.
type spyRecorder struct {
	mu          sync.Mutex
	operations  []string
	revocations []string
}

func (r *spyRecorder) RecordOperation(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations = append(r.operations, operation+":"+outcome)
}

func (r *spyRecorder) RecordRevocation(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revocations = append(r.revocations, reason)
}

func (r *spyRecorder) snapshot() (ops, revs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.operations...), append([]string(nil), r.revocations...)
}
