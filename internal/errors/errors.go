// Package errors defines the behavioral error taxonomy shared by every loom
// component. Errors are classified by kind rather than by concrete type so
// the engine, repositories and dispatch layer can agree on retry and
// propagation policy without knowing each other's internals.
package errors

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind classifies an error by the behavior callers should apply to it.
type Kind int

const (
	// KindUnknown is the zero value; treated as fatal by policy code.
	KindUnknown Kind = iota
	// KindNotFound - referenced entity missing or soft-deleted. Never retried.
	KindNotFound
	// KindPermissionDenied - user not permitted for this operation on this entity.
	KindPermissionDenied
	// KindValidation - malformed input or illegal state transition. Never retried.
	KindValidation
	// KindConflict - duplicate key or already-terminal transition attempt.
	// Idempotent paths return the prior result instead.
	KindConflict
	// KindDependencyFailure - an upstream processor or node failed.
	KindDependencyFailure
	// KindTransientIO - database disconnect, agent timeout. Retried with
	// backoff inside the component and surfaced only after the bound.
	KindTransientIO
	// KindFatalInternal - invariant violation. Logged, snapshot captured,
	// workflow transitioned to failed.
	KindFatalInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindDependencyFailure:
		return "dependency_failure"
	case KindTransientIO:
		return "transient_io"
	case KindFatalInternal:
		return "fatal_internal"
	default:
		return "unknown"
	}
}

// Error carries a kind, the operation that produced it and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. The final variadic slot accepts a Kind, an error or a
// message string in any order; later values win on conflict.
func E(op string, args ...any) error {
	e := &Error{Op: op, Kind: KindUnknown}
	for _, arg := range args {
		switch v := arg.(type) {
		case Kind:
			e.Kind = v
		case error:
			e.Err = v
		case string:
			e.Err = errors.New(v)
		}
	}
	return e
}

// NotFound builds a not_found error for the named entity.
func NotFound(op, entity string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%s not found", entity)}
}

// PermissionDenied builds a permission_denied error.
func PermissionDenied(op, detail string) error {
	return &Error{Kind: KindPermissionDenied, Op: op, Err: errors.New(detail)}
}

// Validation builds a validation error.
func Validation(op, detail string) error {
	return &Error{Kind: KindValidation, Op: op, Err: errors.New(detail)}
}

// Validationf builds a validation error with a formatted message.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Conflict builds a conflict error.
func Conflict(op, detail string) error {
	return &Error{Kind: KindConflict, Op: op, Err: errors.New(detail)}
}

// Transient wraps err as transient_io.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransientIO, Op: op, Err: err}
}

// Fatal wraps err as fatal_internal.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatalInternal, Op: op, Err: err}
}

// KindOf walks the error chain and returns the first explicit kind, falling
// back to structural classification of network faults.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isNetworkError(err) {
		return KindTransientIO
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsPermissionDenied reports whether err is a permission_denied error.
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }

// IsTransient reports whether err may succeed if retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransientIO:
		return true
	case KindUnknown:
		return isNetworkError(err)
	default:
		return false
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
