// Package errors provides the typed error kinds used throughout lsmkv.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on failure mode
// without string-matching messages.
type Kind int

const (
	// Unknown is the zero value; returned by KindOf for errors not produced
	// by this package.
	Unknown Kind = iota
	IO
	Corruption
	LockContended
	KeyNotFound
	ChannelClosed
	SerializationError
	Internal
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO"
	case Corruption:
		return "Corruption"
	case LockContended:
		return "LockContended"
	case KeyNotFound:
		return "KeyNotFound"
	case ChannelClosed:
		return "ChannelClosed"
	case SerializationError:
		return "SerializationError"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// kindError wraps an error with a Kind, preserving the chain for errors.Is/As.
type kindError struct {
	kind Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *kindError) Unwrap() error { return e.err }

// New creates an error of the given kind with a message.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving it in the chain.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: msg, err: err}
}

// KindOf returns the Kind of the closest kindError in err's chain, or
// Unknown if none is found.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Sentinel errors for common conditions, matched via errors.Is.
var (
	ErrKeyNotFound    = New(KeyNotFound, "key not found")
	ErrClosed         = New(Internal, "store is closed")
	ErrKeyEmpty       = New(SerializationError, "key cannot be empty")
	ErrLockContended  = New(LockContended, "directory lock held by another process")
	ErrChannelClosed  = New(ChannelClosed, "channel closed unexpectedly")
	ErrCorruptSegment = New(Corruption, "corrupt record segment")
)

// Is reports whether err matches target, per the standard errors.Is contract.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }
