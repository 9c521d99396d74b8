package engine

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeTransientRemote is a connection-level failure worth retrying.
	ErrCodeTransientRemote ErrorCode = "TRANSIENT_REMOTE"

	// ErrCodePermanentRemote is a remote failure retrying will not fix.
	ErrCodePermanentRemote ErrorCode = "PERMANENT_REMOTE"

	// ErrCodeConflict indicates the step lost an optimistic version race
	// more times than it was willing to retry.
	ErrCodeConflict ErrorCode = "PROVENANCE_CONFLICT"

	// ErrCodeLeaseHeld means another worker is stepping the process.
	ErrCodeLeaseHeld ErrorCode = "LEASE_HELD"

	// ErrCodeEngineFault is an internal invariant violation.
	ErrCodeEngineFault ErrorCode = "ENGINE_FAULT"

	// ErrCodeValidation rejects a submission before anything is stored.
	ErrCodeValidation ErrorCode = "VALIDATION"
)

// Error is an engine error with a category and the affected process.
type Error struct {
	Code      ErrorCode
	Message   string
	ProcessID int64
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.ProcessID != 0 {
		return fmt.Sprintf("%s: %s (process=%d)", e.Code, msg, e.ProcessID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsValidationError reports whether err rejected a submission.
func IsValidationError(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsConflictError reports whether err is an unresolved provenance conflict.
func IsConflictError(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsLeaseHeld reports whether err refused a step because another worker
// holds the process lease.
func IsLeaseHeld(err error) bool { return hasCode(err, ErrCodeLeaseHeld) }

// IsEngineFault reports whether err is an internal engine fault.
func IsEngineFault(err error) bool { return hasCode(err, ErrCodeEngineFault) }

func validationErrorf(format string, args ...any) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

func wrapValidation(err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return &Error{Code: ErrCodeValidation, Err: err}
}

// faultf builds an engine fault for a process.
func faultf(id int64, format string, args ...any) *Error {
	return &Error{Code: ErrCodeEngineFault, ProcessID: id, Message: fmt.Sprintf(format, args...)}
}
