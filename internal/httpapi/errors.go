// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/holomush/sessiond/internal/auth"
	"github.com/holomush/sessiond/internal/logging"
	"github.com/holomush/sessiond/pkg/errutil"
)

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
}

type errorResponse struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind auth.ErrorKind) int {
	switch kind {
	case auth.KindInvalidCredentials, auth.KindTokenExpired, auth.KindTokenInvalid, auth.KindTokenRevoked:
		return http.StatusUnauthorized
	case auth.KindConflict:
		return http.StatusConflict
	case auth.KindValidation:
		return http.StatusUnprocessableEntity
	case auth.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, status int, code, message string, details map[string]string) {
	if details == nil {
		details = map[string]string{}
	}
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     errorBody{Code: code, Message: message, Details: details},
		RequestID: logging.RequestIDFrom(c.Request.Context()),
	})
}

// fail answers with the error envelope. Unexpected errors are logged with
// full detail; the client only ever sees the public message.
func (s *Server) fail(c *gin.Context, err error) {
	ctx := c.Request.Context()
	kind := auth.Kind(err)
	status := statusFor(kind)

	if status >= http.StatusInternalServerError {
		errutil.LogErrorContext(ctx, s.logger, "request failed", err)
	} else {
		s.logger.WarnContext(ctx, "request rejected",
			"code", string(kind),
			"status", status,
			"path", c.Request.URL.Path,
		)
	}

	_ = c.Error(err)
	writeError(c, status, string(kind), auth.PublicMessage(kind), auth.ValidationDetails(err))
}

// bind decodes the JSON body into req. It answers 422 and returns false
// when the body is malformed or a required field is missing.
func (s *Server) bind(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}

	details := map[string]string{}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			details[fe.Field()] = auth.DescribeFieldError(fe)
		}
	} else {
		details["body"] = "must be a valid JSON object"
	}

	s.fail(c, auth.ValidationError(details))
	return false
}

func (s *Server) notFound(c *gin.Context) {
	writeError(c, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
}

var ginOnce sync.Once

// configureGin switches gin to release mode and makes binding errors report
// JSON field names ("refresh_token") instead of Go field names.
func configureGin() {
	ginOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
}
