package types

import (
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of dispatcher-visible error categories. It is
// the one sum type every internal error boundary converges to before it
// reaches an HTTP response, per the taxonomy in the error handling design.
type ErrorKind string

const (
	ErrAuthentication    ErrorKind = "authentication_error"
	ErrPermission        ErrorKind = "permission_error"
	ErrNotFound          ErrorKind = "not_found_error"
	ErrInvalidRequest    ErrorKind = "invalid_request_error"
	ErrRateLimit         ErrorKind = "rate_limit_error"
	ErrServiceUnavailable ErrorKind = "service_unavailable"
	ErrGatewayTimeout    ErrorKind = "gateway_timeout"
	ErrBadGateway        ErrorKind = "bad_gateway"
	ErrServer            ErrorKind = "server_error"
)

// httpStatusByKind is the fixed Kind -> status mapping. A Kind never maps to
// more than one status; callers that need a specific code (e.g. 404 vs 410)
// still go through the same Kind and attach detail via Message/Code.
var httpStatusByKind = map[ErrorKind]int{
	ErrAuthentication:     http.StatusUnauthorized,
	ErrPermission:         http.StatusForbidden,
	ErrNotFound:           http.StatusNotFound,
	ErrInvalidRequest:     http.StatusBadRequest,
	ErrRateLimit:          http.StatusTooManyRequests,
	ErrServiceUnavailable: http.StatusServiceUnavailable,
	ErrGatewayTimeout:     http.StatusGatewayTimeout,
	ErrBadGateway:         http.StatusBadGateway,
	ErrServer:             http.StatusInternalServerError,
}

// Error is the dispatcher's tagged error: a Kind plus an external-safe
// Message, an internal diagnostic Code for logs, and an optional Cause.
// Message must never leak internal identifiers, hosts, or ports; Code and
// Cause are for server-side logs only and are never serialized outward.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Cause   error      `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the fixed status code for this error's Kind.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// NewError builds a tagged error for the given kind and external message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithCause attaches the internal cause (never serialized, logged only).
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithCode attaches an internal diagnostic code distinct from the HTTP status,
// e.g. "no_capable_nodes" for a service_unavailable raised by model resolution.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf extracts the Kind from an error, defaulting to ErrServer for
// anything that isn't a *Error — an unclassified error is always internal.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ErrServer
}

// StatusOf extracts the HTTP status an error should be reported with.
func StatusOf(err error) int {
	if e, ok := err.(*Error); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the caller may retry the same request verbatim.
// Only transient upstream/queueing conditions are retryable; validation and
// auth failures never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrRateLimit, ErrServiceUnavailable, ErrGatewayTimeout, ErrBadGateway:
		return true
	default:
		return false
	}
}

// Convenience constructors for the common dispatcher error sites.

func NewAuthenticationError(message string) *Error {
	return NewError(ErrAuthentication, message)
}

func NewPermissionError(message string) *Error {
	return NewError(ErrPermission, message)
}

func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message)
}

func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message)
}

func NewRateLimitError(message string) *Error {
	return NewError(ErrRateLimit, message)
}

func NewServiceUnavailableError(message string) *Error {
	return NewError(ErrServiceUnavailable, message)
}

func NewGatewayTimeoutError(message string) *Error {
	return NewError(ErrGatewayTimeout, message)
}

func NewBadGatewayError(message string) *Error {
	return NewError(ErrBadGateway, message)
}

func NewServerError(message string) *Error {
	return NewError(ErrServer, message)
}
