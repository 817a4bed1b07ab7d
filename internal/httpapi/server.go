// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package httpapi exposes the session lifecycle over JSON/HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"

	"github.com/holomush/sessiond/internal/auth"
)

// AuthService is the slice of auth.Service the handlers need.
type AuthService interface {
	Register(ctx context.Context, email, password string) (*auth.User, error)
	Login(ctx context.Context, email, password string) (*auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	RevokeSession(ctx context.Context, refreshToken string) error
}

// RequestRecorder counts completed requests.
type RequestRecorder interface {
	RecordHTTPRequest(route string, status int)
}

type nopRequestRecorder struct{}

func (nopRequestRecorder) RecordHTTPRequest(string, int) {}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for access and error logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRecorder sets the request counter.
func WithRecorder(r RequestRecorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithAppInfo sets the name and version reported by /health.
func WithAppInfo(name, version string) Option {
	return func(s *Server) {
		s.appName = name
		s.version = version
	}
}

// Server serves the auth API.
type Server struct {
	addr       string
	service    AuthService
	logger     *slog.Logger
	recorder   RequestRecorder
	appName    string
	version    string
	engine     *gin.Engine
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer builds the API server for addr. Routes are registered
// immediately, so Handler is usable without Start.
func NewServer(addr string, service AuthService, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		service:  service,
		logger:   slog.Default(),
		recorder: nopRequestRecorder{},
		appName:  "sessiond",
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	configureGin()

	r := gin.New()
	r.Use(requestID(), s.accessLog(), s.recovery())
	r.NoRoute(s.notFound)

	r.GET("/health", s.health)

	g := r.Group("/auth")
	g.POST("/register", s.register)
	g.POST("/login", s.login)
	g.POST("/refresh", s.refresh)
	g.POST("/logout", s.logout)

	return r
}

// Start begins serving. The returned channel receives a Serve failure and is
// closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("HTTP_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("api server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown api server").Wrap(err)
		}
	}
	s.logger.Info("api server stopped")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
