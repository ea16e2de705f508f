// Package errs provides the unified error type used across dx.
//
// Every subsystem (config, pool, drivers, server) wraps its native errors
// into *errs.Error before returning them to callers. Callers use the Is*
// predicates to branch on the kind without importing driver packages.
//
// Usage:
//
//	// In the pool, classify a failure:
//	return errs.Wrap(errs.ErrKindConnectionFailed, "validation query failed", err)
//
//	// At startup, decide how to exit:
//	if errs.IsInvalidConfig(err) || errs.IsConnectionFailed(err) {
//	    os.Exit(1)
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing driver-specific codes.
type ErrKind int

const (
	ErrKindUnknown          ErrKind = iota
	ErrKindInvalidConfig            // missing or malformed configuration
	ErrKindConnectionFailed         // cannot reach or authenticate to the backend
	ErrKindTimeout                  // no connection within the deadline, or caller cancelled
	ErrKindPoolClosed               // pool is draining or closed
	ErrKindQueryFailed              // SQL execution error
	ErrKindNotFound                 // no rows
	ErrKindInvalidInput             // bad arguments from the caller
	ErrKindPermissionDenied         // access denied on an object
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindInvalidConfig:
		return "invalid_config"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindPoolClosed:
		return "pool_closed"
	case ErrKindQueryFailed:
		return "query_failed"
	case ErrKindNotFound:
		return "not_found"
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindPermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all dx subsystems.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with a format string.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// --- Predicates ---

// IsInvalidConfig reports whether err was caused by bad configuration.
// These are fatal at startup and never retried.
func IsInvalidConfig(err error) bool {
	return KindOf(err) == ErrKindInvalidConfig
}

// IsConnectionFailed reports whether err is a connectivity or auth failure.
func IsConnectionFailed(err error) bool {
	return KindOf(err) == ErrKindConnectionFailed
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
// A pool acquire timeout is transient; the caller decides whether to retry.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrKindTimeout
}

// IsPoolClosed reports whether err was returned because the pool shut down.
func IsPoolClosed(err error) bool {
	return KindOf(err) == ErrKindPoolClosed
}

// IsQueryFailed reports whether err is a SQL execution error.
func IsQueryFailed(err error) bool {
	return KindOf(err) == ErrKindQueryFailed
}

// IsNotFound reports whether err represents a "no rows" result.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

// IsInvalidInput reports whether err was caused by bad input from the caller.
func IsInvalidInput(err error) bool {
	return KindOf(err) == ErrKindInvalidInput
}

// IsPermissionDenied reports whether err is an access control failure.
func IsPermissionDenied(err error) bool {
	return KindOf(err) == ErrKindPermissionDenied
}

// KindOf extracts the ErrKind from any error in the chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
