// Package errs defines the platform error taxonomy: every business error
// carries a stable code (REQUEST_001, CONSENT_005, ...), an abstract kind,
// and an optional list of machine-readable reason codes.
//
// Kinds map to a retry classification consumed by the event workers:
// Transient errors are retried with backoff, Duplicate errors are safe to
// treat as success, everything else is terminal.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the abstract error category.
type Kind string

const (
	KindNotFound             Kind = "NOT_FOUND"
	KindInvalidState         Kind = "INVALID_STATE"
	KindDuplicate            Kind = "DUPLICATE"
	KindValidation           Kind = "VALIDATION"
	KindUnauthorized         Kind = "UNAUTHORIZED"
	KindPolicyDenied         Kind = "POLICY_DENIED"
	KindInsufficientResource Kind = "INSUFFICIENT_RESOURCE"
	KindIntegrity            Kind = "INTEGRITY"
	KindTransient            Kind = "TRANSIENT"
)

// Class is the retry classification of an error.
type Class string

const (
	ClassRetryable      Class = "RETRYABLE"
	ClassNonRetryable   Class = "NON_RETRYABLE"
	ClassIdempotentSafe Class = "IDEMPOTENT_SAFE"
)

// Error is the platform error type.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	Reasons []string
	err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Reasons) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Reasons, ", "))
		b.WriteString("]")
	}
	if e.err != nil {
		b.WriteString(": ")
		b.WriteString(e.err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// New constructs a coded error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf constructs a coded error with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and kind to an underlying error.
func Wrap(kind Kind, code string, err error, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, err: err}
}

// WithReasons attaches machine-readable reason codes. Returns e for chaining.
func (e *Error) WithReasons(reasons ...string) *Error {
	e.Reasons = append(e.Reasons, reasons...)
	return e
}

// CodeOf returns the stable code of err, or "" for uncoded errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf returns the kind of err, or "" for uncoded errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ReasonsOf returns the reason codes of err, or nil.
func ReasonsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reasons
	}
	return nil
}

// Classify maps an error to its retry classification. Uncoded errors are
// treated as transient so plain driver errors get the retry path.
func Classify(err error) Class {
	var e *Error
	if !errors.As(err, &e) {
		return ClassRetryable
	}
	switch e.Kind {
	case KindTransient:
		return ClassRetryable
	case KindDuplicate:
		return ClassIdempotentSafe
	default:
		return ClassNonRetryable
	}
}
