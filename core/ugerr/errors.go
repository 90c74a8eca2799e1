// Package ugerr defines the closed error taxonomy the UG core surfaces
// to its callers (spec.md §7).
package ugerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds the UG core is allowed to return.
type Kind int

const (
	// KindUnknown should never be returned; its presence is a bug.
	KindUnknown Kind = iota
	KindNotFound
	KindExists
	KindPermissionDenied
	KindNoSuchAttribute
	KindStale
	KindTryAgain
	KindInProgress
	KindBusy
	KindInvalidArgument
	KindNoMemory
	KindLocalIO
	KindRemoteIO
	KindProtocol
	KindTimeout
	KindUnsupported
	KindBadMessage
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindExists:
		return "exists"
	case KindPermissionDenied:
		return "permission-denied"
	case KindNoSuchAttribute:
		return "no-such-attribute"
	case KindStale:
		return "stale"
	case KindTryAgain:
		return "try-again"
	case KindInProgress:
		return "in-progress"
	case KindBusy:
		return "busy"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNoMemory:
		return "no-memory"
	case KindLocalIO:
		return "local-I/O"
	case KindRemoteIO:
		return "remote-I/O"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindUnsupported:
		return "unsupported"
	case KindBadMessage:
		return "bad-message"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by the UG core. Component
// names the subsystem that raised it (e.g. "replication", "readpath")
// for log correlation; it is not part of the taxonomy itself.
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func New(kind Kind, component, msg string) *Error {
	return &Error{Kind: kind, Component: component, Err: errors.New(msg)}
}

func Wrap(kind Kind, component string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Err: err}
}

func (e *Error) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Component, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &ugerr.Error{Kind: ugerr.KindStale}) to work
// by comparing kinds whenever the target is itself a *Error, whatever
// the target wraps.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind of err, or KindUnknown if err isn't (and
// doesn't wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the component that produced err should
// retry the operation itself (remote-I/O, timeout) per §7's policy,
// as opposed to surfacing it or converting it to try-again/remote-I/O
// after the retry cap is exhausted.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRemoteIO, KindTimeout:
		return true
	default:
		return false
	}
}

// IsStale reports whether err is (or wraps) a stale-metadata error,
// which per §7 triggers a mandatory path-refresh and one retry.
func IsStale(err error) bool {
	return KindOf(err) == KindStale
}

// IsTryAgain reports whether err is the replication retry signal.
func IsTryAgain(err error) bool {
	return KindOf(err) == KindTryAgain
}

// FromHTTPStatus maps a peer gateway's HTTP status onto the taxonomy
// (spec §6): 4xx is a protocol failure (no retry), 5xx is remote-I/O
// (retry via the next gateway in rotation). 2xx maps to no error at
// all, reported as KindUnknown so callers can't mistake success for a
// failure kind.
func FromHTTPStatus(status int) Kind {
	switch {
	case status >= 500:
		return KindRemoteIO
	case status >= 400:
		return KindProtocol
	default:
		return KindUnknown
	}
}
