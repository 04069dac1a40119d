package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies business-rule failures so the HTTP layer can map
// them to status codes without knowing which service produced them.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindInvalidState      ErrorKind = "invalid_state"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindUnauthenticated   ErrorKind = "unauthenticated"
	KindExpired           ErrorKind = "expired"
	KindDuplicate         ErrorKind = "duplicate"
	KindConflict          ErrorKind = "conflict"
	KindValidation        ErrorKind = "validation"
	KindInUse             ErrorKind = "in_use"
)

// Error is an expected business-rule violation. Message is safe to show
// to end users verbatim.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error of the same kind and message, which lets
// package-level sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// NewError builds a tagged error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
