// Package apperrors defines the failure taxonomy shared by the livery engine.
package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation and boundary mapping.
type Kind string

const (
	KindInvalid           Kind = "invalid"
	KindUnauthenticated   Kind = "unauthenticated"
	KindInvalidCredential Kind = "invalid_credential"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTimeout           Kind = "timeout"
	KindResyncRequired    Kind = "resync_required"
	KindInternal          Kind = "internal"
)

var (
	// ErrInvalid matches any error of KindInvalid via errors.Is.
	ErrInvalid = &Error{Kind: KindInvalid}
	// ErrUnauthenticated matches any error of KindUnauthenticated via errors.Is.
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	// ErrInvalidCredential matches any error of KindInvalidCredential via errors.Is.
	ErrInvalidCredential = &Error{Kind: KindInvalidCredential}
	// ErrForbidden matches any error of KindForbidden via errors.Is.
	ErrForbidden = &Error{Kind: KindForbidden}
	// ErrNotFound matches any error of KindNotFound via errors.Is.
	ErrNotFound = &Error{Kind: KindNotFound}
	// ErrConflict matches any error of KindConflict via errors.Is.
	ErrConflict = &Error{Kind: KindConflict}
	// ErrTimeout matches any error of KindTimeout via errors.Is.
	ErrTimeout = &Error{Kind: KindTimeout}
	// ErrResyncRequired matches any error of KindResyncRequired via errors.Is.
	ErrResyncRequired = &Error{Kind: KindResyncRequired}
)

// Error carries a kind plus the operation and reason code that produced it.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	code := e.Op
	if e.Reason != "" {
		if code != "" {
			code += "."
		}
		code += e.Reason
	}
	if code == "" {
		code = string(e.Kind)
	}
	if e.Err == nil {
		return code
	}
	return fmt.Sprintf("%s: %v", code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so sentinels such as ErrForbidden match wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Code returns the stable "op.reason" identifier.
func (e *Error) Code() string {
	if e.Reason == "" {
		return e.Op
	}
	return e.Op + "." + e.Reason
}

// New builds an error of the given kind.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, op, reason string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: cause}
}

// KindOf extracts the kind of err; unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// ReasonOf returns the reason code of err, or the empty string.
func ReasonOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Reason
	}
	return ""
}

// Retryable reports whether the caller may retry the request with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindTimeout:
		return true
	default:
		return false
	}
}

// FromContext converts a context failure into a Timeout, and anything else into Internal.
// Errors that already carry a kind pass through unchanged.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(KindTimeout, op, "deadline_exceeded", err)
	}
	return Wrap(KindInternal, op, "internal", err)
}
