// Package apperrors defines the error taxonomy surfaced to callers across
// the core: kinds that tell a caller whether to retry, escalate to a
// template, or give up.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is one of the ten error kinds from the core's error taxonomy.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindAuthorization      Kind = "authorization_error"
	KindWindowClosed       Kind = "window_closed"
	KindRateLimited        Kind = "rate_limited"
	KindConflict           Kind = "conflict"
	KindUpstreamTransient  Kind = "upstream_transient"
	KindUpstreamPermanent  Kind = "upstream_permanent"
	KindInternal           Kind = "internal_error"
	KindConversationClosed Kind = "conversation_not_dispatchable"
)

// Error is the typed error carried through the core. Wrap upstream errors
// with fmt.Errorf("...: %w", err) as usual; Kind lets callers branch on
// errors.As without string matching.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

func Validation(msg string) *Error        { return New(KindValidation, msg) }
func NotFound(msg string) *Error          { return New(KindNotFound, msg) }
func Authorization(msg string) *Error     { return New(KindAuthorization, msg) }
func WindowClosed(msg string) *Error      { return New(KindWindowClosed, msg) }
func RateLimited(msg string) *Error       { return New(KindRateLimited, msg) }
func Conflict(msg string) *Error          { return New(KindConflict, msg) }
func Internal(msg string, err error) *Error {
	return Wrap(KindInternal, msg, err)
}
func UpstreamTransient(msg string, err error) *Error {
	return Wrap(KindUpstreamTransient, msg, err)
}
func UpstreamPermanent(msg string, err error) *Error {
	return Wrap(KindUpstreamPermanent, msg, err)
}
func ConversationNotDispatchable(msg string) *Error {
	return New(KindConversationClosed, msg)
}

// ErrTransient marks a read failure that the caller must retry rather
// than treat as a false "within window"/"allowed" result.
var ErrTransient = errors.New("transient store error")

func Transient(msg string, err error) *Error {
	return Wrap(KindUpstreamTransient, msg, errors.Join(ErrTransient, err))
}
