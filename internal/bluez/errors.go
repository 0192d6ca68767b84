package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Code classifies a BlueZ or bus failure into a closed set. Every fallible
// operation in this package reports one of these, never a raw transport
// error, so callers can make retry decisions uniformly.
type Code int

const (
	PermissionDenied Code = iota
	NotReady
	NotSupported
	InProgress
	Failed
	Timeout
	InvalidArgs
	AlreadyExists
	NotFound
	ConnectionFailed
	Unknown
)

// String returns a human-readable description of the code.
func (c Code) String() string {
	switch c {
	case PermissionDenied:
		return "permission denied - check polkit rules or run as root"
	case NotReady:
		return "BlueZ not ready - check bluetoothd status"
	case NotSupported:
		return "operation not supported by BlueZ or hardware"
	case InProgress:
		return "operation already in progress"
	case Failed:
		return "operation failed"
	case Timeout:
		return "operation timed out"
	case InvalidArgs:
		return "invalid arguments"
	case AlreadyExists:
		return "resource already exists"
	case NotFound:
		return "resource not found"
	case ConnectionFailed:
		return "connection failed"
	default:
		return "unknown error"
	}
}

// Error is a classified BlueZ failure. It wraps the underlying transport
// error when one exists.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is comparison by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError builds a classified error with a message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Classify maps an arbitrary error from the bus layer into a classified
// *Error. nil maps to nil. This is the single classification point: D-Bus
// error names are matched by substring (BlueZ reports org.bluez.Error.* and
// org.freedesktop.DBus.Error.* names), with context errors and everything
// else falling through to Unknown.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var known *Error
	if errors.As(err, &known) {
		return known
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: Timeout, Message: err.Error(), cause: err}
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return &Error{Code: codeForName(dbusErr.Name), Message: dbusErr.Error(), cause: err}
	}
	return &Error{Code: codeForName(err.Error()), Message: err.Error(), cause: err}
}

// CodeOf extracts the classification of err, Unknown when unclassifiable.
func CodeOf(err error) Code {
	e := Classify(err)
	if e == nil {
		return Unknown
	}
	return e.Code
}

func codeForName(name string) Code {
	switch {
	case containsAny(name, "PermissionDenied", "AccessDenied"):
		return PermissionDenied
	case strings.Contains(name, "NotReady"):
		return NotReady
	case containsAny(name, "NotSupported", "NotImplemented", "UnknownMethod", "UnknownInterface"):
		return NotSupported
	case strings.Contains(name, "InProgress"):
		return InProgress
	case containsAny(name, "InvalidArguments", "InvalidArgs"):
		return InvalidArgs
	case strings.Contains(name, "AlreadyExists"):
		return AlreadyExists
	case containsAny(name, "DoesNotExist", "NotFound"):
		return NotFound
	case containsAny(name, "Timeout", "NoReply"):
		return Timeout
	case containsAny(name, "Disconnected", "NotConnected", "ConnectionAttemptFailed"):
		return ConnectionFailed
	case strings.Contains(name, "Failed"):
		return Failed
	default:
		return Unknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether an operation failing with code is worth
// reattempting. Failed is deliberately treated as "maybe transient": BlueZ
// overuses the generic code and a few wasted retries are cheaper than a
// stuck peripheral. This predicate is the single source of truth consulted
// by every retry scheduler in the package.
func IsRetryable(code Code) bool {
	switch code {
	case InProgress, NotReady, Timeout, Failed:
		return true
	default:
		return false
	}
}
