package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the public failure taxonomy surfaced through results.
type ErrorKind string

const (
	ConnectionFailed ErrorKind = "connection_failed"
	PairingFailed    ErrorKind = "pairing_failed"
	Cancelled        ErrorKind = "cancelled"
)

// Error is a taxonomy error. Err keeps the underlying platform cause, if any.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Kind)
	if e.Msg != "" {
		s = fmt.Sprintf("%s: %s", s, e.Msg)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Taxonomy sentinels
var (
	ErrConnectionFailed = &Error{Kind: ConnectionFailed}
	ErrPairingFailed    = &Error{Kind: PairingFailed}
	ErrCancelled        = &Error{Kind: Cancelled}
)

// Causes
var (
	ErrTimeout          = errors.New("timeout")
	ErrUnsupported      = errors.New("unsupported")
	ErrNotAttached      = errors.New("transport not attached")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrNotFound         = errors.New("not found")
)

// NewConnectionError wraps cause as a ConnectionFailed error.
func NewConnectionError(msg string, cause error) error {
	return &Error{Kind: ConnectionFailed, Msg: msg, Err: NormalizeError(cause)}
}

// NewPairingError wraps cause as a PairingFailed error.
func NewPairingError(msg string, cause error) error {
	return &Error{Kind: PairingFailed, Msg: msg, Err: NormalizeError(cause)}
}

// NewCancelledError reports an operation abandoned before completion.
func NewCancelledError(msg string) error {
	return &Error{Kind: Cancelled, Msg: msg}
}

// NormalizeError maps well-known platform messages onto cause sentinels so callers can
// use errors.Is regardless of backend. The original error is kept in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotFound) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "permission denied"),
		containsIgnoreCase(msg, "not permitted"),
		containsIgnoreCase(msg, "org.bluez.error.notauthorized"),
		containsIgnoreCase(msg, "access denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case containsIgnoreCase(msg, "timed out"),
		containsIgnoreCase(msg, "timeout"),
		containsIgnoreCase(msg, "deadline exceeded"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case containsIgnoreCase(msg, "does not exist"),
		containsIgnoreCase(msg, "doesnotexist"),
		containsIgnoreCase(msg, "no such device"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
