// Package tableterr defines the error taxonomy shared by every component
// of the tablet client: the wire parser, the command translator, the
// planner, the session and the meta cache all return errors built from
// the codes here so that callers can branch on CodeOf(err) instead of
// string-matching messages.
package tableterr

import (
	"fmt"

	"github.com/pingcap/errors"
	"google.golang.org/grpc/codes"
)

// Code classifies an error by how a caller should react to it.
type Code int

const (
	// Unknown is the zero value; CodeOf(err) returns it for errors that
	// did not originate in this package.
	Unknown Code = iota
	NotFound
	InvalidArgument
	InvalidCommand
	AlreadyPresent
	NetworkError
	Timeout
	ServiceUnavailable
	IllegalState
	Incomplete
	SchemaVersionMismatch
	Corruption
	QLError
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidCommand:
		return "InvalidCommand"
	case AlreadyPresent:
		return "AlreadyPresent"
	case NetworkError:
		return "NetworkError"
	case Timeout:
		return "Timeout"
	case ServiceUnavailable:
		return "ServiceUnavailable"
	case IllegalState:
		return "IllegalState"
	case Incomplete:
		return "Incomplete"
	case SchemaVersionMismatch:
		return "SchemaVersionMismatch"
	case Corruption:
		return "Corruption"
	case QLError:
		return "QLError"
	default:
		return "Unknown"
	}
}

// tableErr is the concrete error type carrying a Code. It is never
// exported directly; callers interact with it through the constructors
// below and the CodeOf/Is helpers.
type tableErr struct {
	code Code
	msg  string
	// cause is kept separate from pingcap/errors' own stack-trace wrap so
	// that CodeOf() can look through Wrap() chains built on either layer.
	cause error
}

func (e *tableErr) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *tableErr) Unwrap() error { return e.cause }

// New creates an error of the given code with a stack trace attached via
// pingcap/errors, matching the teacher's own error-construction idiom in
// the raftstore and scheduler packages.
func New(code Code, format string, args ...interface{}) error {
	return errors.WithStack(&tableErr{code: code, msg: fmt.Sprintf(format, args...)})
}

// Wrap annotates an existing error with a code and message, keeping the
// original error reachable via errors.Unwrap/errors.As.
func Wrap(code Code, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return errors.WithStack(&tableErr{code: code, msg: fmt.Sprintf(format, args...), cause: cause})
}

// CodeOf returns the Code carried by err, walking Unwrap chains and
// pingcap/errors' Cause chains. Errors that never passed through
// New/Wrap report Unknown.
func CodeOf(err error) Code {
	for err != nil {
		if te, ok := err.(*tableErr); ok {
			return te.code
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Cause() error }:
			err = u.Cause()
		default:
			return Unknown
		}
	}
	return Unknown
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// GRPCCode maps a Code to the nearest standard grpc status code, for
// components that surface errors over a gRPC-shaped boundary. No other
// package in this module calls it.
func GRPCCode(code Code) codes.Code {
	switch code {
	case NotFound:
		return codes.NotFound
	case InvalidArgument, InvalidCommand:
		return codes.InvalidArgument
	case AlreadyPresent:
		return codes.AlreadyExists
	case NetworkError:
		return codes.Unavailable
	case Timeout:
		return codes.DeadlineExceeded
	case ServiceUnavailable:
		return codes.Unavailable
	case IllegalState:
		return codes.FailedPrecondition
	case Incomplete:
		return codes.Aborted
	case SchemaVersionMismatch:
		return codes.FailedPrecondition
	case Corruption:
		return codes.DataLoss
	case QLError:
		return codes.InvalidArgument
	default:
		return codes.Unknown
	}
}

// Retryable reports whether the session/selector should retry the
// operation against a different replica rather than surface the error
// to the caller immediately.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case NetworkError, ServiceUnavailable, Timeout:
		return true
	default:
		return false
	}
}
