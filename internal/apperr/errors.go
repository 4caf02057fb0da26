// Package apperr defines the user-visible failure taxonomy shared by the
// timeline, playback and export components. Every failure surfaced to a
// caller carries a stable Kind plus a human-readable detail.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindValidation covers bad trim ranges, overlapping placements and
	// missing source files. The timeline is left unmodified.
	KindValidation Kind = "validation"
	// KindProbe covers unreadable or corrupt source media.
	KindProbe Kind = "probe"
	// KindPlayback covers media element load/decode faults.
	KindPlayback Kind = "playback"
	// KindRender covers failed encoder operations during export.
	KindRender Kind = "render"
	// KindBusy is returned when the encoder is already owned by a job.
	KindBusy Kind = "busy"
	// KindNotFound covers unknown ids.
	KindNotFound Kind = "not_found"
	// KindCancelled marks a user-cancelled operation.
	KindCancelled Kind = "cancelled"
	// KindInternal covers everything else.
	KindInternal Kind = "internal"
)

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "insert_clip"
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Detail)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind so callers can write
// errors.Is(err, apperr.ErrBusy).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrProbe      = &Error{Kind: KindProbe}
	ErrPlayback   = &Error{Kind: KindPlayback}
	ErrRender     = &Error{Kind: KindRender}
	ErrBusy       = &Error{Kind: KindBusy}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrCancelled  = &Error{Kind: KindCancelled}
)

// New creates a classified error.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf creates a validation error with a formatted detail.
func Validationf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a not-found error with a formatted detail.
func NotFoundf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf returns the human-readable detail of err.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
