// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sessiond counters. It satisfies auth.Recorder.
type Metrics struct {
	AuthOperations  *prometheus.CounterVec
	SessionsRevoked *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
}

// NewMetrics creates the sessiond counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_auth_operations_total",
				Help: "Total number of auth operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		SessionsRevoked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_sessions_revoked_total",
				Help: "Total number of refresh sessions revoked by reason",
			},
			[]string{"reason"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_http_requests_total",
				Help: "Total number of API requests by route and status",
			},
			[]string{"route", "status"},
		),
	}

	reg.MustRegister(m.AuthOperations, m.SessionsRevoked, m.HTTPRequests)
	return m
}

// RecordOperation counts an auth operation. outcome is "ok" or an error code.
func (m *Metrics) RecordOperation(operation, outcome string) {
	m.AuthOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordRevocation counts a session revocation.
func (m *Metrics) RecordRevocation(reason string) {
	m.SessionsRevoked.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest counts a completed API request. Unmatched routes are
// collapsed into a single label to bound cardinality.
func (m *Metrics) RecordHTTPRequest(route string, status int) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
