// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"io"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/holomush/sessiond/internal/auth"
	"github.com/holomush/sessiond/internal/auth/memory"
	"github.com/holomush/sessiond/internal/auth/postgres"
	redisreg "github.com/holomush/sessiond/internal/auth/redis"
	"github.com/holomush/sessiond/internal/config"
	"github.com/holomush/sessiond/internal/httpapi"
	"github.com/holomush/sessiond/internal/observability"
	"github.com/holomush/sessiond/internal/store"
)

// BackendDeps contains injectable dependencies for opening the stores.
// All fields with nil values will use their default implementations.
type BackendDeps struct {
	// PoolFactory opens a PostgreSQL pool.
	// Default: store.Connect
	PoolFactory func(ctx context.Context, url string, retries uint64) (Pool, error)

	// RedisClientFactory creates a redis client for the redis backend.
	// Default: goredis.NewClient
	RedisClientFactory func(opts *goredis.Options) goredis.UniversalClient
}

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	BackendDeps

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// APIServerFactory creates the auth API server.
	// Default: httpapi.NewServer
	APIServerFactory func(addr string, service httpapi.AuthService, opts ...httpapi.Option) APIServer

	// LogOutput receives structured logs.
	// Default: os.Stderr
	LogOutput io.Writer
}

// Pool wraps the methods used from pgxpool.Pool.
type Pool interface {
	postgres.DB
	Ping(ctx context.Context) error
	Close()
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// APIServer wraps the methods used from httpapi.Server.
type APIServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

func (d *BackendDeps) applyDefaults() {
	if d.PoolFactory == nil {
		d.PoolFactory = func(ctx context.Context, url string, retries uint64) (Pool, error) {
			return store.Connect(ctx, url, retries)
		}
	}
	if d.RedisClientFactory == nil {
		d.RedisClientFactory = func(opts *goredis.Options) goredis.UniversalClient {
			return goredis.NewClient(opts)
		}
	}
}

func (d *ServeDeps) applyDefaults() {
	d.BackendDeps.applyDefaults()
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if d.APIServerFactory == nil {
		d.APIServerFactory = func(addr string, service httpapi.AuthService, opts ...httpapi.Option) APIServer {
			return httpapi.NewServer(addr, service, opts...)
		}
	}
}

// backends holds the opened stores for the configured backend.
type backends struct {
	users    auth.UserRepository
	sessions auth.SessionRegistry
	ready    []observability.ReadinessChecker
	closers  []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends connects the user store and session registry selected by
// sessions.backend. Users live in PostgreSQL unless the backend is memory.
func openBackends(ctx context.Context, cfg *config.Config, deps *BackendDeps, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.Sessions.Backend == config.BackendMemory {
		logger.WarnContext(ctx, "using in-memory stores; data is lost on restart")
		b.users = memory.NewUserRepository()
		b.sessions = memory.NewSessionRegistry()
		return b, nil
	}

	pool, err := deps.PoolFactory(ctx, cfg.Database.URL, cfg.Database.ConnectRetries)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, pool.Close)
	b.ready = append(b.ready, pool.Ping)
	b.users = postgres.NewUserRepository(pool)
	logger.InfoContext(ctx, "connected to database")

	switch cfg.Sessions.Backend {
	case config.BackendRedis:
		client := deps.RedisClientFactory(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("error closing redis client", "error", err)
			}
		})

		var opts []redisreg.Option
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, redisreg.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		registry := redisreg.NewSessionRegistry(client, opts...)
		if err := registry.Ping(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.sessions = registry
		b.ready = append(b.ready, registry.Ping)
		logger.InfoContext(ctx, "connected to redis", "addr", cfg.Redis.Addr)
	default:
		b.sessions = postgres.NewSessionRegistry(pool)
	}

	return b, nil
}

// newAuthService wires the session lifecycle service from configuration.
func newAuthService(cfg *config.Config, b *backends, logger *slog.Logger, recorder auth.Recorder) (*auth.Service, error) {
	hasher, err := auth.NewPasswordHasher(cfg.Auth.Hasher)
	if err != nil {
		return nil, err
	}
	codec, err := auth.NewTokenCodec(cfg.SigningConfig(), nil)
	if err != nil {
		return nil, err
	}
	return auth.NewService(b.users, b.sessions, codec,
		auth.WithHasher(hasher),
		auth.WithLogger(logger),
		auth.WithRecorder(recorder),
		auth.WithStorageTimeout(cfg.StorageTimeout()),
	)
}
