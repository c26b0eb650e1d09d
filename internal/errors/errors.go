package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"time"

	"github.com/chess-ingest/internal/types"
)

// CategorizedError is a job failure with the kind that decides its retry policy
type CategorizedError struct {
	Kind       types.ErrorKind
	StatusCode int // upstream HTTP status, 0 when no response was received
	Code       string
	Message    string
	URL        string
	RetryAfter *time.Duration
	PayloadRef string // where the offending payload was stored, if anywhere
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.PayloadRef != "" {
		msg += fmt.Sprintf(" (payload: %s)", e.PayloadRef)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// NewTransientNetworkError wraps a timeout or connection failure
func NewTransientNetworkError(url string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:    types.ErrorTransientNetwork,
		Code:    "TRANSIENT_NETWORK",
		Message: fmt.Sprintf("request to %s failed", url),
		URL:     url,
		Cause:   cause,
	}
}

// NewUpstreamServerError is an upstream 5xx, retried like a network failure
func NewUpstreamServerError(url string, status int) *CategorizedError {
	return &CategorizedError{
		Kind:       types.ErrorTransientNetwork,
		StatusCode: status,
		Code:       "UPSTREAM_UNAVAILABLE",
		Message:    fmt.Sprintf("upstream returned %d for %s", status, url),
		URL:        url,
	}
}

// NewRateLimitedError is an upstream 429; retryAfter is nil when no hint was sent
func NewRateLimitedError(url string, retryAfter *time.Duration) *CategorizedError {
	return &CategorizedError{
		Kind:       types.ErrorRateLimited,
		StatusCode: 429,
		Code:       "RATE_LIMITED",
		Message:    fmt.Sprintf("rate limited on %s", url),
		URL:        url,
		RetryAfter: retryAfter,
	}
}

// NewPermanentlyGoneError is an upstream 410
func NewPermanentlyGoneError(url string) *CategorizedError {
	return &CategorizedError{
		Kind:       types.ErrorPermanentlyGone,
		StatusCode: 410,
		Code:       "GONE",
		Message:    fmt.Sprintf("resource permanently gone: %s", url),
		URL:        url,
	}
}

// NewNotFoundError is an upstream 404, usually an unknown account
func NewNotFoundError(url string) *CategorizedError {
	return &CategorizedError{
		Kind:       types.ErrorNotFound,
		StatusCode: 404,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("resource not found: %s", url),
		URL:        url,
	}
}

// NewUnexpectedStatusError is any other 4xx, treated as a payload problem
func NewUnexpectedStatusError(url string, status int) *CategorizedError {
	return &CategorizedError{
		Kind:       types.ErrorValidation,
		StatusCode: status,
		Code:       "UNEXPECTED_STATUS",
		Message:    fmt.Sprintf("unexpected status %d for %s", status, url),
		URL:        url,
	}
}

// NewValidationError is a malformed or unexpected payload
func NewValidationError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:    types.ErrorValidation,
		Code:    "INVALID_PAYLOAD",
		Message: message,
		Cause:   cause,
	}
}

// NewPersistenceError is a local store failure
func NewPersistenceError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:    types.ErrorPersistence,
		Code:    "PERSISTENCE",
		Message: fmt.Sprintf("store error during %s", operation),
		Cause:   cause,
	}
}

// Classify returns the categorized error in err's chain. Uncategorized
// errors become fallback, except timeouts and network errors which are
// always transient.
func Classify(err error, fallback types.ErrorKind) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.As(err, &netErr) {
		return &CategorizedError{
			Kind:    types.ErrorTransientNetwork,
			Code:    "TRANSIENT_NETWORK",
			Message: "request timed out",
			Cause:   err,
		}
	}

	switch fallback {
	case types.ErrorTransientNetwork:
		return &CategorizedError{Kind: fallback, Code: "TRANSIENT_NETWORK", Message: "fetch failed", Cause: err}
	case types.ErrorValidation:
		return NewValidationError("invalid payload", err)
	default:
		return NewPersistenceError("apply", err)
	}
}

// KindOf returns the kind of err, or "" when err carries no classification
func KindOf(err error) types.ErrorKind {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Kind
	}
	return ""
}

// RetryAfter returns the upstream wait hint carried by err, if any
func RetryAfter(err error) *time.Duration {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.RetryAfter
	}
	return nil
}

// IsRetryable reports whether the job should be requeued rather than failed
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case types.ErrorTransientNetwork, types.ErrorRateLimited:
		return true
	default:
		return false
	}
}

// IsRateLimited reports whether err is an upstream 429
func IsRateLimited(err error) bool {
	return KindOf(err) == types.ErrorRateLimited
}
