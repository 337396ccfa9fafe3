package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested escrow does not exist.
var ErrNotFound = errors.New("escrow not found")

// ErrLockTimeout is returned when the per-escrow row lock could not be
// acquired within the configured bound. Retryable by the caller.
var ErrLockTimeout = errors.New("escrow is busy, try again")

// ErrForbidden is returned when the actor is not allowed to perform the
// requested operation on this escrow.
var ErrForbidden = errors.New("operation not permitted for this actor")

// InvalidTransitionError is the expected outcome of requesting a transition
// whose precondition does not hold, including losing a race to a concurrent
// actor. It is a clean rejection, not a system fault.
type InvalidTransitionError struct {
	Current   string
	Attempted string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("escrow in state %s cannot %s", e.Current, e.Attempted)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// ValidationError rejects malformed input before any lock is attempted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
