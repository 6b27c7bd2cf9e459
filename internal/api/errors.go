package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eversaid/wrapper/internal/coreapi"
	"github.com/eversaid/wrapper/internal/session"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
	Detail  string `json:"message,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest         = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrInternalServer     = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrSessionExpired     = &AppError{Code: http.StatusUnauthorized, Message: "session_expired", Detail: "Session expired. Please refresh the page."}
	ErrServiceUnavailable = &AppError{Code: http.StatusServiceUnavailable, Message: "service_unavailable", Detail: "Core API service unavailable"}
	ErrBadGateway         = &AppError{Code: http.StatusBadGateway, Message: "upstream_error", Detail: "Core API request failed"}
)

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: "validation_error", Detail: msg}
}

// HandleError maps domain errors to HTTP responses. Anything unrecognised
// is logged and reported as 500.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	var limited *session.IssueLimitedError
	switch {
	case errors.As(err, &appErr):
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, rateLimitBody{
			Error:      "rate_limit_exceeded",
			Message:    "Too many new sessions from this address",
			LimitType:  limitTypeSessionIssue,
			RetryAfter: limited.RetryAfter,
		})
		return
	case errors.Is(err, session.ErrSessionExpired):
		appErr = ErrSessionExpired
	case errors.Is(err, session.ErrServiceUnavailable), errors.Is(err, coreapi.ErrUnavailable):
		appErr = ErrServiceUnavailable
	case errors.Is(err, session.ErrUpstream):
		appErr = ErrBadGateway
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
		return
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		appErr = ErrInternalServer
	}

	if appErr.Code >= http.StatusInternalServerError && appErr != ErrInternalServer {
		slog.Warn("upstream failure", "path", r.URL.Path, "status", appErr.Code, "error", err)
	}
	writeJSON(w, appErr.Code, appErr)
}
