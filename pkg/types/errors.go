package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced by the core. Each maps to a stable HTTP status and a
// JSON body of the form {"error": {"code", "message", "detail"?}}.
const (
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeForbiddenScope      = "FORBIDDEN_SCOPE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeConcurrencyLimited  = "CONCURRENCY_LIMITED"
	CodeNoUpstream          = "NO_UPSTREAM"
	CodeTaskMismatch        = "TASK_MISMATCH"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeImageUnavailable    = "IMAGE_UNAVAILABLE"
	CodeIncompleteSplitSet  = "INCOMPLETE_SPLIT_SET"
	CodeOfflineRemoteRefuse = "OFFLINE_REMOTE_REFUSED"
	CodeInvalidState        = "INVALID_STATE"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeDraining            = "DRAINING"
)

// APIError is a structured, client-visible error.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError creates a structured error with the given code.
func NewAPIError(code, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail key to the error and returns it.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// HTTPStatus maps the error code to the client-visible status.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbiddenScope:
		return http.StatusForbidden
	case CodeRateLimited, CodeConcurrencyLimited:
		return http.StatusTooManyRequests
	case CodeNoUpstream, CodeDraining:
		return http.StatusServiceUnavailable
	case CodeTaskMismatch, CodeImageUnavailable, CodeIncompleteSplitSet,
		CodeOfflineRemoteRefuse, CodeInvalidState, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// AsAPIError extracts an APIError from err, or nil.
func AsAPIError(err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}
