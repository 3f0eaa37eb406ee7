package intel

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline errors.
type Kind string

// Error kinds.
const (
	KindNoWork     Kind = "no_work_available"
	KindLeaseLost  Kind = "lease_lost"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindExhausted  Kind = "retry_exhausted"
	KindInternal   Kind = "internal"
)

// Error is a classified pipeline error.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg = e.Detail
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind and detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Detail == "" || t.Detail == e.Detail
}

// Sentinel errors. Compare with errors.Is.
var (
	ErrNoWorkAvailable = &Error{Kind: KindNoWork}
	ErrLeaseLost       = &Error{Kind: KindLeaseLost}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrTransient       = &Error{Kind: KindTransient}
	ErrRetryExhausted  = &Error{Kind: KindExhausted}
	ErrInternal        = &Error{Kind: KindInternal}

	ErrDuplicateName   = &Error{Kind: KindConflict, Detail: "duplicate name"}
	ErrInUse           = &Error{Kind: KindConflict, Detail: "in use"}
	ErrProtected       = &Error{Kind: KindConflict, Detail: "protected"}
	ErrAlreadyFetching = &Error{Kind: KindConflict, Detail: "already fetching"}
)

// Validationf builds a validation error.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Detail: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf(format, args...)}
}

// Transient wraps a collaborator failure so the pipeline retries it.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
// Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf returns the human readable detail of err.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Detail != "" && e.Err == nil {
		return e.Detail
	}
	return err.Error()
}
