// Package giterrors defines the error kinds used across the core (spec §7).
//
// Behavior must not depend on logging level (Design Note, §9); these kinds
// exist so callers can branch on *what kind of failure* occurred without
// parsing message text.
package giterrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error kinds from spec.md §7.
type Kind int

const (
	// KindLockCanceled - the per-repo counter was cleared by a third party.
	KindLockCanceled Kind = iota
	// KindConflict - an integration source is locked by another instance with a fresh heartbeat.
	KindConflict
	// KindPermissionDenied - the author/pusher lacks write protection for a path.
	KindPermissionDenied
	// KindIllegalInput - non-printable filename, symlink ancestor, empty changelist, etc.
	KindIllegalInput
	// KindIntegrationFailed - a required integration could not be opened.
	KindIntegrationFailed
	// KindSubmitFailed - failure during or after a submit.
	KindSubmitFailed
	// KindConfigInvalid - repo configuration cannot be parsed or breaks existing history.
	KindConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case KindLockCanceled:
		return "lock-canceled"
	case KindConflict:
		return "conflict"
	case KindPermissionDenied:
		return "permission-denied"
	case KindIllegalInput:
		return "illegal-input"
	case KindIntegrationFailed:
		return "integration-failed"
	case KindSubmitFailed:
		return "submit-failed"
	case KindConfigInvalid:
		return "config-invalid"
	}
	return "unknown"
}

// Error wraps an underlying cause with a Kind, so callers can use errors.As.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, giterrors.ErrConflict) style sentinels work against
// an *Error of the matching Kind even when wrapped.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && other.Cause == nil && other.Msg == ""
	}
	return false
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// sentinels usable with errors.Is for a bare kind check.
var (
	ErrLockCanceled      = &Error{Kind: KindLockCanceled}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrIllegalInput      = &Error{Kind: KindIllegalInput}
	ErrIntegrationFailed = &Error{Kind: KindIntegrationFailed}
	ErrSubmitFailed      = &Error{Kind: KindSubmitFailed}
	ErrConfigInvalid     = &Error{Kind: KindConfigInvalid}
)

// Of reports the Kind of err if it is (or wraps) a *Error, and ok=true.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
