// Package apperr holds the error kinds shared by the dispatch and lifecycle
// services. Callers wrap a kind with detail and test with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	ErrUpstream          = errors.New("upstream failure")
	ErrStorage           = errors.New("storage failure")
)

func Validation(format string, args ...any) error { return wrap(ErrValidation, format, args...) }

func Conflict(format string, args ...any) error { return wrap(ErrConflict, format, args...) }

func InvalidTransition(format string, args ...any) error {
	return wrap(ErrInvalidTransition, format, args...)
}

func NotFound(format string, args ...any) error { return wrap(ErrNotFound, format, args...) }

func Upstream(err error) error { return fmt.Errorf("%w: %w", ErrUpstream, err) }

// Storage tags err as a storage failure unless it already carries a kind.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Kind returns the sentinel err wraps, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrConflict, ErrInvalidTransition, ErrNotFound, ErrUpstream, ErrStorage} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Message is the detail of err without its kind prefix.
func Message(err error) string {
	var d *detailed
	if errors.As(err, &d) {
		return d.msg
	}
	return err.Error()
}

type detailed struct {
	kind error
	msg  string
}

func (d *detailed) Error() string { return d.kind.Error() + ": " + d.msg }

func (d *detailed) Unwrap() error { return d.kind }

func wrap(kind error, format string, args ...any) error {
	return &detailed{kind: kind, msg: fmt.Sprintf(format, args...)}
}
