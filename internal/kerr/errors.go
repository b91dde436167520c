// Package kerr defines the kernel's typed error kinds and the stable
// wire codes the dispatcher maps them to.
package kerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// Internal is the zero kind: an unexpected failure.
	Internal Kind = iota
	// Validation covers malformed inputs. Never retried.
	Validation
	// NotFound covers missing entities (PID, file, snapshot, webhook).
	NotFound
	// Permission covers path traversal, RBAC denial, read-only writes.
	// Never retried.
	Permission
	// Transient covers disk-full, connection reset, upstream 5xx, timeout.
	Transient
)

// Stable wire codes.
const (
	CodeInternal         = "INTERNAL"
	CodeValidation       = "VALIDATION"
	CodeNotFound         = "NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeTransient        = "TRANSIENT"

	// Domain codes.
	CodeProcessTableFull = "PROCESS_TABLE_FULL"
	CodeDiskFull         = "DISK_FULL"
	CodeUnauthorized     = "UNAUTHORIZED"
)

// Error is a kernel error with a kind and a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with an explicit code.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and code to an underlying error.
func Wrap(kind Kind, code string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validationf creates a Validation error with the default code.
func Validationf(format string, args ...any) *Error {
	return New(Validation, CodeValidation, format, args...)
}

// NotFoundf creates a NotFound error with the default code.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, CodeNotFound, format, args...)
}

// Permissionf creates a Permission error with the default code.
func Permissionf(format string, args ...any) *Error {
	return New(Permission, CodePermissionDenied, format, args...)
}

// Transientf creates a Transient error with the default code.
func Transientf(format string, args ...any) *Error {
	return New(Transient, CodeTransient, format, args...)
}

// Internalf creates an Internal error.
func Internalf(format string, args ...any) *Error {
	return New(Internal, CodeInternal, format, args...)
}

// KindOf returns the kind of err, or Internal for untyped errors.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return Internal
}

// CodeOf returns the stable wire code of err, or INTERNAL for untyped errors.
func CodeOf(err error) string {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return CodeInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
