package appointments

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an appointment does not exist.
	ErrNotFound = errors.New("appointment not found")

	// ErrVersionConflict is returned when an optimistic update lost a race
	// with a concurrent writer. Callers may reload and retry.
	ErrVersionConflict = errors.New("appointment was modified concurrently")

	ErrAlreadyCancelled = errors.New("appointment is already cancelled")
	ErrAlreadyCompleted = errors.New("appointment is already completed")

	ErrNoRemainingSessions     = errors.New("no uncompleted sessions remain")
	ErrSessionIndexOutOfRange  = errors.New("session index out of range")
	ErrSessionNotElapsed       = errors.New("session scheduled time is not at least 30 minutes in the past")
	ErrSessionAlreadyCompleted = errors.New("session is already completed")
	ErrSessionNotCompleted     = errors.New("session is not completed")
	ErrSessionInvalid          = errors.New("session data is inconsistent")
	ErrInvalidSessionTarget    = errors.New("target session status must be completed or in_progress")

	ErrSessionCountExceeded = errors.New("completed sessions exceed total sessions")
	ErrCompletionMismatch   = errors.New("completed status does not match session counts")
	ErrRefundExceedsPaid    = errors.New("refunded units exceed paid units on a channel")
)

// InvalidTransitionError reports a status change outside the transition
// graph, or one whose guard failed. No state is mutated when it is returned.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
