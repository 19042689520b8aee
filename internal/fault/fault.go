// Package fault defines the typed error taxonomy shared by the store, the
// job handlers, and the HTTP boundary. Components fail with a kinded error;
// the HTTP layer maps kinds to status codes and the job runner maps them to
// retry or fatal outcomes.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the stable machine-readable error code.
type Kind string

// Error kinds
const (
	KindValidation   Kind = "VALIDATION_ERROR"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindRateLimited  Kind = "RATE_LIMITED"
	KindUpstream     Kind = "UPSTREAM_ERROR"
	KindInternal     Kind = "INTERNAL_ERROR"
)

// HTTPStatus returns the response status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Issue is one field-level validation problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is a kinded error. It wraps an optional cause and carries validation
// issues or a retry hint where the kind calls for them.
type Error struct {
	kind       Kind
	msg        string
	issues     []Issue
	retryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Message returns the error's own message without the wrapped cause. The
// HTTP boundary responds with this so causes (SQL text, upstream bodies)
// stay in the logs.
func (e *Error) Message() string { return e.msg }

// Kind returns the error's taxonomy code.
func (e *Error) Kind() Kind { return e.kind }

// Issues returns field-level validation problems, if any.
func (e *Error) Issues() []Issue { return e.issues }

// RetryAfter returns the client backoff hint for rate-limited errors.
func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// Validation builds a VALIDATION_ERROR carrying field issues.
func Validation(msg string, issues ...Issue) *Error {
	return &Error{kind: KindValidation, msg: msg, issues: issues}
}

// NotFound builds a NOT_FOUND for one resource.
func NotFound(resource, id string) *Error {
	return &Error{kind: KindNotFound, msg: fmt.Sprintf("%s %s not found", resource, id)}
}

// Conflict builds a CONFLICT.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// Unauthorized builds an UNAUTHORIZED.
func Unauthorized(msg string) *Error {
	return &Error{kind: KindUnauthorized, msg: msg}
}

// Forbidden builds a FORBIDDEN.
func Forbidden(msg string) *Error {
	return &Error{kind: KindForbidden, msg: msg}
}

// RateLimited builds a RATE_LIMITED with a client backoff hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{kind: KindRateLimited, msg: "rate limit exceeded", retryAfter: retryAfter}
}

// Upstream builds an UPSTREAM_ERROR around a dependency failure.
func Upstream(cause error, format string, args ...any) *Error {
	return Wrap(KindUpstream, cause, format, args...)
}

// Internal builds an INTERNAL_ERROR around an unexpected failure.
func Internal(cause error) *Error {
	return &Error{kind: KindInternal, msg: "internal error", cause: cause}
}

// KindOf classifies any error. Unkinded errors are INTERNAL_ERROR.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a NOT_FOUND.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConflict reports whether err is a CONFLICT.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsValidation reports whether err is a VALIDATION_ERROR.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// Retryable reports whether a job handler failure should be rescheduled.
// Upstream and rate-limit failures are transient; validation, conflict, and
// not-found failures are deterministic and rerunning cannot fix them.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindRateLimited:
		return true
	}
	return false
}
