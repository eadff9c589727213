// Package errors provides the orchestrator's error taxonomy. Every error
// surfaced to the API carries a stable kind code and a human-readable
// message; plugin internals are wrapped, never leaked unchanged.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable kind codes.
const (
	KindValidation           = "validation"
	KindSessionNotFound      = "session_not_found"
	KindSessionExists        = "session_exists"
	KindSessionNotRestorable = "session_not_restorable"
	KindWorkspaceMissing     = "workspace_missing"
	KindExternalTransient    = "external_transient"
	KindExternalPermanent    = "external_permanent"
	KindInvariantViolation   = "invariant_violation"
	KindShutdown             = "shutdown"
	KindInternal             = "internal"
)

// AppError is an orchestrator error with a stable kind code.
type AppError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given kind and message.
func New(kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error.
func Validation(message string) *AppError {
	return &AppError{Kind: KindValidation, Message: message}
}

// SessionNotFound creates a not-found error for a session id.
func SessionNotFound(id string) *AppError {
	return &AppError{Kind: KindSessionNotFound, Message: fmt.Sprintf("session %q not found", id)}
}

// SessionExists creates a conflict error for a session id.
func SessionExists(id string) *AppError {
	return &AppError{Kind: KindSessionExists, Message: fmt.Sprintf("session %q already exists", id)}
}

// SessionNotRestorable creates an error for a restore attempt on a session
// whose status forbids it.
func SessionNotRestorable(id, status string) *AppError {
	return &AppError{
		Kind:    KindSessionNotRestorable,
		Message: fmt.Sprintf("session %q in status %q cannot be restored", id, status),
	}
}

// WorkspaceMissing creates an error for a restore attempt whose workspace
// directory is gone.
func WorkspaceMissing(id, path string) *AppError {
	return &AppError{
		Kind:    KindWorkspaceMissing,
		Message: fmt.Sprintf("workspace %q for session %q no longer exists", path, id),
	}
}

// Transient wraps an external failure that callers may retry.
func Transient(message string, err error) *AppError {
	return &AppError{Kind: KindExternalTransient, Message: message, Err: err}
}

// Permanent wraps an external failure that must not be retried.
func Permanent(message string, err error) *AppError {
	return &AppError{Kind: KindExternalPermanent, Message: message, Err: err}
}

// Invariant wraps a store corruption or duplicate-id class failure. The
// affected session is fatal-errored, the process is not.
func Invariant(message string, err error) *AppError {
	return &AppError{Kind: KindInvariantViolation, Message: message, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// Wrap adds context to err, preserving its kind when it already is an
// AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind code for err, or KindInternal for foreign errors.
func KindOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind code.
func IsKind(err error, kind string) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return IsKind(err, KindExternalTransient)
}

// HTTPStatus maps an error to the HTTP status the API returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindSessionExists:
		return http.StatusConflict
	case KindSessionNotRestorable, KindWorkspaceMissing:
		return http.StatusConflict
	case KindExternalTransient:
		return http.StatusBadGateway
	case KindExternalPermanent:
		return http.StatusBadGateway
	case KindShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
