package security

import (
	"errors"
	"fmt"
)

// Kind names the category of a rejected or failed execution.
// Kinds are part of the outward contract and appear verbatim in API errors.
type Kind string

const (
	KindInvalidRoot        Kind = "invalid_root"
	KindUnsupportedCommand Kind = "unsupported_command"
	KindWriteNotPermitted  Kind = "write_not_permitted"
	KindSpawnFailed        Kind = "spawn_failed"
	KindCancelled          Kind = "cancelled"
	KindRateLimited        Kind = "rate_limited"
	KindConfirmation       Kind = "confirmation_failed"
	KindInvalidArgument    Kind = "invalid_argument"
	KindInternal           Kind = "internal"
)

// Sentinel errors, one per Kind. Use errors.Is against these.
var (
	ErrInvalidRoot        = errors.New("invalid repository root")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrWriteNotPermitted  = errors.New("write not permitted")
	ErrSpawnFailed        = errors.New("spawn failed")
	ErrCancelled          = errors.New("execution cancelled")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrConfirmation       = errors.New("confirmation failed")
	ErrInvalidArgument    = errors.New("invalid argument")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidRoot:
		return ErrInvalidRoot
	case KindUnsupportedCommand:
		return ErrUnsupportedCommand
	case KindWriteNotPermitted:
		return ErrWriteNotPermitted
	case KindSpawnFailed:
		return ErrSpawnFailed
	case KindCancelled:
		return ErrCancelled
	case KindRateLimited:
		return ErrRateLimited
	case KindConfirmation:
		return ErrConfirmation
	case KindInvalidArgument:
		return ErrInvalidArgument
	default:
		return nil
	}
}

// Error is a classified execution error.
type Error struct {
	Kind    Kind
	Message string
	Err     error // Underlying cause, if any.
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Errorf creates an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind around a cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{
		KindInvalidRoot, KindUnsupportedCommand, KindWriteNotPermitted,
		KindSpawnFailed, KindCancelled, KindRateLimited, KindConfirmation,
		KindInvalidArgument,
	} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindInternal
}

// MessageOf returns the caller-facing message for err without the kind prefix.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
