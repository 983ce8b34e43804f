// Package flameerr defines the closed set of error kinds used across the
// session manager, and the mapping from those kinds onto gRPC status codes.
package flameerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is a closed enum of error categories raised by the storage engine,
// the controller and the scheduler.
type Kind string

const (
	NotFound       Kind = "NotFound"
	Conflict       Kind = "Conflict"
	InvalidConfig  Kind = "InvalidConfig"
	InvalidState   Kind = "InvalidState"
	VersionMismatch Kind = "VersionMismatch"
	Storage        Kind = "Storage"
	Network        Kind = "Network"
	Internal       Kind = "Internal"
	Uninitialized  Kind = "Uninitialized"
)

// Error is the concrete error type returned by storage and controller
// operations. It always carries a Kind so callers can branch on Is.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Error of the given kind around an existing error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Internal if err is not a *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// ToGRPCStatus implements the §7 user-visible mapping table.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return status.Error(codes.Unknown, err.Error())
	}

	var code codes.Code
	switch fe.Kind {
	case NotFound:
		code = codes.NotFound
	case InvalidConfig:
		code = codes.InvalidArgument
	case InvalidState, VersionMismatch:
		code = codes.FailedPrecondition
	case Conflict:
		code = codes.AlreadyExists
	case Network:
		code = codes.Unavailable
	case Internal, Storage, Uninitialized:
		code = codes.Internal
	default:
		code = codes.Unknown
	}
	return status.Error(code, fe.Error())
}
