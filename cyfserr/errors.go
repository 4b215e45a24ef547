// Package cyfserr defines the single closed error taxonomy shared by every
// component of cyfscore (object identity, NOC, chunk store, global state,
// router). Callers compare against the exported Code constants with Is or
// AsCode; the message text is safe to show to a caller, the cause never is.
package cyfserr

import (
	"errors"
	"fmt"
)

// Code is a closed enumeration; no component may introduce new values.
type Code int

const (
	Ok Code = iota
	NotFound
	AlreadyExists
	InvalidData
	InvalidFormat
	InvalidSignature
	Unmatch
	PermissionDenied
	Conflict
	Timeout
	ConnectFailed
	Aborted
	Ignored
	Reject
	Interrupted
	IoError
	UnSupport
)

var names = map[Code]string{
	Ok:                "ok",
	NotFound:          "not-found",
	AlreadyExists:     "already-exists",
	InvalidData:       "invalid-data",
	InvalidFormat:     "invalid-format",
	InvalidSignature:  "invalid-signature",
	Unmatch:           "unmatch",
	PermissionDenied:  "permission-denied",
	Conflict:          "conflict",
	Timeout:           "timeout",
	ConnectFailed:     "connect-failed",
	Aborted:           "aborted",
	Ignored:           "ignored",
	Reject:            "reject",
	Interrupted:       "interrupted",
	IoError:           "io-error",
	UnSupport:         "unsupported",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is the one error value used across cyfscore. message is safe for a
// caller to see; cause may carry storage-internal detail meant for logs only.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error carrying message for the caller and cause for logs.
func New(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Wrap adds context to err without discarding its code, matching the
// wrap-with-context helper the teacher's pkg/utils.Wrap provides.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return New(e.Code, context+": "+e.Message, e.Cause)
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// AsCode extracts the Code from err, defaulting to IoError for foreign errors
// so callers always have something to switch on.
func AsCode(err error) Code {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return IoError
}
