// Package errs defines the error taxonomy surfaced by the dispatch core.
//
// Every error that crosses a package boundary carries a Kind so callers
// can map it to a stable code without string matching.
package errs

import (
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error for callers of the operations surface.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidArgument
	KindInvalidTransition
	KindNotReady
	KindQueueFull
	KindConflict
	KindUnavailable
)

// String returns the stable code for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindNotReady:
		return "not_ready"
	case KindQueueFull:
		return "queue_full"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "task.Transition"
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an Error. Args may contain a Kind, a wrapped error, and a
// message string, in any order.
func E(op string, args ...any) error {
	e := &Error{Op: op}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case error:
			e.Err = a
		case string:
			e.Message = a
		}
	}
	return e
}

// Errorf builds an Error with a formatted message.
func Errorf(op string, kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsTransient reports whether err is worth retrying: anything marked
// Unavailable or QueueFull, plus raw network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindUnavailable || e.Kind == KindQueueFull
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
