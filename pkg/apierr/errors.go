// Package apierr defines the small set of domain error kinds the Manager
// Facade raises and the HTTP layer maps to status codes.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error for HTTP status mapping.
type Kind string

const (
	// KindInvalid means the caller's request violates a contract.
	KindInvalid Kind = "invalid"
	// KindNotFound means the referenced task id is unknown.
	KindNotFound Kind = "not_found"
	// KindProbe means the GPU probe failed operationally.
	KindProbe Kind = "probe_error"
	// KindSessionUnavailable means the session host tool cannot be invoked.
	KindSessionUnavailable Kind = "session_unavailable"
	// KindSessionLaunch means the session host refused to start a session.
	KindSessionLaunch Kind = "session_launch_error"
	// KindInternal means a store or I/O failure unrelated to caller input.
	KindInternal Kind = "internal"
)

// Error is a typed domain error carrying a Kind for status-code mapping.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, apierr.Invalid) style checks against the Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

func newKind(kind Kind) *Error { return &Error{Kind: kind} }

// Sentinels usable with errors.Is(err, apierr.Invalid) etc. (empty Message
// matches any Error of the same Kind, see Is above).
var (
	Invalid             = newKind(KindInvalid)
	NotFound            = newKind(KindNotFound)
	ProbeFailed         = newKind(KindProbe)
	SessionUnavailable  = newKind(KindSessionUnavailable)
	SessionLaunchFailed = newKind(KindSessionLaunch)
	Internal            = newKind(KindInternal)
)

// Invalidf builds a KindInvalid error with a formatted message.
func Invalidf(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a KindNotFound error with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internalf wraps err as a KindInternal error with a formatted message.
func Internalf(err error, format string, args ...interface{}) error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// ProbeErrorf builds a KindProbe error with a formatted message.
func ProbeErrorf(err error, format string, args ...interface{}) error {
	return &Error{Kind: KindProbe, Message: fmt.Sprintf(format, args...), Err: err}
}

// SessionUnavailablef builds a KindSessionUnavailable error.
func SessionUnavailablef(err error, format string, args ...interface{}) error {
	return &Error{Kind: KindSessionUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

// SessionLaunchErrorf builds a KindSessionLaunch error.
func SessionLaunchErrorf(err error, format string, args ...interface{}) error {
	return &Error{Kind: KindSessionLaunch, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for
// errors that don't carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
