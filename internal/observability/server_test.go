// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/sessiond/pkg/errutil"
)

func startServer(t *testing.T, ready ReadinessChecker) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", ready)
	_, err := server.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	require.NotEmpty(t, server.Addr())
	return server
}

func get(t *testing.T, server *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_Metrics(t *testing.T) {
	server := startServer(t, nil)

	m := server.Metrics()
	m.RecordOperation("login", "ok")
	m.RecordOperation("login", "AUTH_INVALID_CREDENTIALS")
	m.RecordRevocation("rotation")
	m.RecordHTTPRequest("/auth/login", http.StatusOK)

	status, body := get(t, server, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "# HELP")
	assert.Contains(t, body, "go_")
	assert.Contains(t, body, "process_")
	assert.Contains(t, body, `sessiond_auth_operations_total{operation="login",outcome="AUTH_INVALID_CREDENTIALS"} 1`)
	assert.Contains(t, body, `sessiond_sessions_revoked_total{reason="rotation"} 1`)
	assert.Contains(t, body, `sessiond_http_requests_total{route="/auth/login",status="200"} 1`)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordOperation("refresh", "ok")
	m.RecordOperation("refresh", "ok")
	m.RecordRevocation("logout")
	m.RecordHTTPRequest("", http.StatusNotFound)

	assert.InDelta(t, 2, testutil.ToFloat64(m.AuthOperations.WithLabelValues("refresh", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SessionsRevoked.WithLabelValues("logout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("unmatched", "404")), 0)
}

func TestServer_Liveness(t *testing.T) {
	server := startServer(t, func(context.Context) error { return errors.New("db down") })

	status, body := get(t, server, "/healthz/liveness")
	assert.Equal(t, http.StatusOK, status, "liveness ignores readiness")
	assert.Equal(t, "ok", strings.TrimSpace(body))
}

func TestServer_Readiness(t *testing.T) {
	tests := []struct {
		name   string
		ready  ReadinessChecker
		status int
		body   string
	}{
		{"nil checker", nil, http.StatusOK, "ok"},
		{"ready", func(context.Context) error { return nil }, http.StatusOK, "ok"},
		{"not ready", func(context.Context) error { return errors.New("redis unreachable") }, http.StatusServiceUnavailable, "not ready"},
		{"probe has deadline", func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("no deadline")
			}
			return nil
		}, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startServer(t, tt.ready)
			status, body := get(t, server, "/healthz/readiness")
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.body, strings.TrimSpace(body))
		})
	}
}

func TestAllReady(t *testing.T) {
	calls := 0
	ok := func(context.Context) error { calls++; return nil }
	fail := func(context.Context) error { calls++; return errors.New("postgres down") }

	require.NoError(t, AllReady(ok, nil, ok)(context.Background()))
	assert.Equal(t, 2, calls)

	calls = 0
	err := AllReady(fail, ok)(context.Background())
	assert.EqualError(t, err, "postgres down")
	assert.Equal(t, 1, calls, "stops at the first failure")
}

func TestServer_DoubleStartFails(t *testing.T) {
	server := startServer(t, nil)
	_, err := server.Start()
	assert.Error(t, err)
}

func TestServer_StopIdempotent(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	assert.NoError(t, server.Stop(context.Background()), "stop before start")

	_, err := server.Start()
	require.NoError(t, err)
	assert.NoError(t, server.Stop(context.Background()))
	assert.NoError(t, server.Stop(context.Background()))
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	errCh, err := server.Start()
	require.NoError(t, err)
	defer func() { _ = server.Stop(context.Background()) }()

	require.NotNil(t, server.listener)
	_ = server.listener.Close()

	select {
	case serveErr := <-errCh:
		assert.Error(t, serveErr)
	case <-time.After(2 * time.Second):
		t.Fatal("serve error was not propagated")
	}
}

func TestServer_ErrorChannelClosesOnShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	errCh, err := server.Start()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))

	select {
	case err, ok := <-errCh:
		if ok {
			assert.NoError(t, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error channel was not closed")
	}
}

func TestServer_StartFailsOnBusyAddress(t *testing.T) {
	first := startServer(t, nil)

	second := NewServer(first.Addr(), nil)
	_, err := second.Start()
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "OBSERVABILITY_LISTEN_FAILED")

	_, err = second.Start()
	require.Error(t, err, "a failed start can be retried")
}

func TestServer_HandlerWithoutListener(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	var deadline time.Duration
	server := NewServer("unused", func(ctx context.Context) error {
		d, ok := ctx.Deadline()
		require.True(t, ok)
		deadline = time.Until(d)
		return errors.New("postgres down")
	}, WithLogger(logger), WithReadinessTimeout(50*time.Millisecond))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/readiness", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "not ready\n", rec.Body.String())
	assert.LessOrEqual(t, deadline, 50*time.Millisecond)
	assert.Contains(t, logs.String(), "readiness check failed")
	assert.Contains(t, logs.String(), "postgres down")
	assert.NotContains(t, rec.Body.String(), "postgres down")
	assert.Empty(t, server.Addr())
}

func TestServer_RejectsNonGetProbes(t *testing.T) {
	server := NewServer("unused", nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz/liveness", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
