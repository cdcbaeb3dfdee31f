// SPDX-License-Identifier: MIT

// Package errs classifies errors raised by the reservation kernel and its
// collaborators. Callers branch on Kind rather than matching error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind partitions kernel errors into the classes the propagation rules care
// about. The zero value is Internal.
type Kind int

const (
	Internal Kind = iota
	InvalidArgument
	InvalidState
	NotFound
	StorageFailure
	NetworkTransient
	NetworkPermanent
	Timeout
	PolicyReject
	HandlerFailure
	RemoteFailure
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case InvalidState:
		return "invalid state"
	case NotFound:
		return "not found"
	case StorageFailure:
		return "storage failure"
	case NetworkTransient:
		return "transient network failure"
	case NetworkPermanent:
		return "permanent network failure"
	case Timeout:
		return "timeout"
	case PolicyReject:
		return "rejected by policy"
	case HandlerFailure:
		return "handler failure"
	case RemoteFailure:
		return "remote failure"
	case Unauthorized:
		return "unauthorized"
	default:
		return "internal error"
	}
}

// Error is a classified error. It wraps an optional cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports the error class.
func (e *Error) Kind() Kind { return e.kind }

// New returns a classified error with no cause.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}
