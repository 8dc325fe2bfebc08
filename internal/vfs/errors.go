package vfs

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine matches exactly one of
// them with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("duplicate name")
	ErrInvalidParent = errors.New("invalid parent")
	ErrInvalidTarget = errors.New("invalid target")
	ErrPhysicalIO    = errors.New("physical i/o error")
)

// Error describes a failed engine operation.
type Error struct {
	Op   string // operation, e.g. "create"
	Path string // virtual path or node id the operation was about
	Kind error  // one of the Err* kinds
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, path string, kind, cause error) *Error {
	return &Error{Op: op, Path: path, Kind: kind, Err: cause}
}

func validationf(op, path, format string, args ...any) *Error {
	return newError(op, path, ErrValidation, fmt.Errorf(format, args...))
}

// KindOf returns the error kind of err, or nil when err did not come from the engine.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []error{ErrValidation, ErrNotFound, ErrDuplicateName, ErrInvalidParent, ErrInvalidTarget, ErrPhysicalIO} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// asEngineError passes engine errors through and classifies anything else
// (store failures) as an internal error tagged with op.
func asEngineError(op, path string, err error) error {
	var e *Error
	if err == nil || errors.As(err, &e) {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}
