// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/holomush/sessiond/internal/auth"
	"github.com/holomush/sessiond/internal/logging"
)

// RequestIDHeader carries the correlation ID in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

// requestID honours a sane inbound X-Request-ID or generates one, echoes it
// on the response and stores it in the request context for logging.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if !validRequestID(id) {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}

		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}

// accessLog logs each request and counts it by route template.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()
		s.logger.InfoContext(ctx, "request started",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)

		c.Next()

		status := c.Writer.Status()
		s.logger.InfoContext(ctx, "request finished",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", float64(time.Since(start).Microseconds())/1000,
		)
		s.recorder.RecordHTTPRequest(c.FullPath(), status)
	}
}

// recovery turns a handler panic into a 500 envelope.
func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		s.logger.ErrorContext(c.Request.Context(), "handler panicked",
			"panic", recovered,
			"path", c.Request.URL.Path,
		)
		writeError(c, http.StatusInternalServerError,
			string(auth.KindInternal), auth.PublicMessage(auth.KindInternal), nil)
	})
}
