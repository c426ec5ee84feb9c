package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// ErrorClass is the gateway's error taxonomy. Every failure surfaced by a
// provider adapter or pipeline carries exactly one class.
type ErrorClass string

const (
	ClassValidation          ErrorClass = "validation_error"
	ClassModelNotFound       ErrorClass = "model_not_found"
	ClassRateLimited         ErrorClass = "rate_limit_exceeded"
	ClassProviderAuth        ErrorClass = "provider_authentication_error"
	ClassContextLength       ErrorClass = "context_length_exceeded"
	ClassContentFiltered     ErrorClass = "content_filtered"
	ClassProviderTimeout     ErrorClass = "provider_timeout"
	ClassProviderUnavailable ErrorClass = "provider_unavailable"
	ClassProviderServer      ErrorClass = "provider_server_error"
	ClassProviderClient      ErrorClass = "provider_client_error"
	ClassNoEligibleModel     ErrorClass = "no_eligible_model"
	ClassInternal            ErrorClass = "internal_error"
)

// Retryable reports whether the class is eligible for fallback to an
// alternate model. Non-retryable vendor 4xx and caller mistakes are not.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassProviderTimeout, ClassProviderUnavailable, ClassProviderServer:
		return true
	}
	return false
}

// HTTPStatus maps the class to the status code surfaced to clients.
// Provider auth failures map to 502, never 401, to avoid credential confusion.
func (c ErrorClass) HTTPStatus() int {
	switch c {
	case ClassValidation, ClassContextLength, ClassContentFiltered:
		return http.StatusBadRequest
	case ClassModelNotFound:
		return http.StatusNotFound
	case ClassRateLimited:
		return http.StatusTooManyRequests
	case ClassNoEligibleModel:
		return http.StatusUnprocessableEntity
	case ClassProviderTimeout:
		return http.StatusGatewayTimeout
	case ClassProviderAuth, ClassProviderUnavailable, ClassProviderServer, ClassProviderClient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified gateway error.
type Error struct {
	Class      ErrorClass
	Message    string
	Code       string        // optional vendor error code
	RetryAfter time.Duration // non-zero when the vendor supplied Retry-After
}

// Error returns "class: message".
func (e *Error) Error() string {
	return string(e.Class) + ": " + e.Message
}

// NewError builds a classified error.
func NewError(class ErrorClass, msg string) *Error {
	return &Error{Class: class, Message: msg}
}

// Errorf builds a classified error with a formatted message.
func Errorf(class ErrorClass, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

// ClassOf extracts the error class, classifying unwrapped context and
// deadline errors along the way. Unknown errors are ClassInternal.
func ClassOf(err error) ErrorClass {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassProviderTimeout
	}
	return ClassInternal
}

// Sentinel errors for transport-level checks.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrStreamClosed = errors.New("stream closed")
)
