package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the execution adapter. Every error returned from an
// adapter operation matches exactly one of these with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrRejected   = errors.New("rejected")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("temporarily unavailable")
)

// Error is a structured adapter error. Reason is safe to show to users.
type Error struct {
	Kind   error
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...)}
}

func Validationf(op, format string, args ...interface{}) error {
	return newError(ErrValidation, op, format, args...)
}

func NotFoundf(op, format string, args ...interface{}) error {
	return newError(ErrNotFound, op, format, args...)
}

func Rejectedf(op, format string, args ...interface{}) error {
	return newError(ErrRejected, op, format, args...)
}

func Conflictf(op, format string, args ...interface{}) error {
	return newError(ErrConflict, op, format, args...)
}

// Transient marks err as a retryable backend failure. An error that already
// carries a kind keeps it.
func Transient(op string, err error) error {
	if Kind(err) != nil {
		return err
	}
	return &Error{Kind: ErrTransient, Op: op, Reason: "backend unavailable", Err: err}
}

// Kind returns the taxonomy sentinel err matches, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrRejected, ErrConflict, ErrTransient} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// ReasonOf returns the user-facing reason carried by err, falling back to the
// error text.
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Reason != "" {
		return de.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
