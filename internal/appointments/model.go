package appointments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusUnpaid            Status = "unpaid"
	StatusPending           Status = "pending"
	StatusPendingMatch      Status = "pending_match"
	StatusMatchedPending    Status = "matched_pending_therapist_acceptance"
	StatusPendingScheduling Status = "pending_scheduling"
	StatusConfirmed         Status = "confirmed"
	StatusCancelled         Status = "cancelled"
	StatusCompleted         Status = "completed"
	StatusNoShow            Status = "no_show"
	StatusRescheduled       Status = "rescheduled"
)

// PaymentStatus tracks whether the appointment's contracted amount is settled.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentMethod identifies which channel(s) paid for the appointment.
type PaymentMethod string

const (
	MethodBalance PaymentMethod = "balance"
	MethodStripe  PaymentMethod = "stripe"
	MethodMixed   PaymentMethod = "mixed"
)

// SessionStatus is the per-session completion state.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
)

// SessionPaymentState is the per-session payment state.
type SessionPaymentState string

const (
	SessionNotPaid SessionPaymentState = "not_paid"
	SessionPaid    SessionPaymentState = "paid"
	SessionUnpaid  SessionPaymentState = "unpaid"
)

// PaymentDetails carries the per-channel paid/refunded unit accounting.
type PaymentDetails struct {
	Method                   PaymentMethod   `json:"method"`
	UnitPrice                decimal.Decimal `json:"unit_price"`
	SessionsPaidWithBalance  int             `json:"sessions_paid_with_balance"`
	SessionsPaidWithStripe   int             `json:"sessions_paid_with_stripe"`
	RefundedUnitsFromBalance int             `json:"refunded_units_from_balance"`
	RefundedUnitsFromStripe  int             `json:"refunded_units_from_stripe"`
	ExternalPaymentRef       string          `json:"external_payment_ref,omitempty"`
}

// Session is one occurrence within a multi-session plan. Index 0 of
// Appointment.Sessions is the current session; the remainder is the
// normalized recurring list.
type Session struct {
	ID           uuid.UUID           `json:"id"`
	ScheduledAt  time.Time           `json:"scheduled_at"`
	Raw          string              `json:"raw,omitempty"`
	Status       SessionStatus       `json:"status"`
	PaymentState SessionPaymentState `json:"payment_state"`
	Price        decimal.Decimal     `json:"price"`
	Invalid      bool                `json:"invalid,omitempty"`
}

// Appointment is the aggregate the engine reconciles. All status mutations go
// through Transition or CompleteSession; callers never assign Status directly.
type Appointment struct {
	ID                uuid.UUID       `json:"id"`
	PatientID         uuid.UUID       `json:"patient_id"`
	TherapistID       *uuid.UUID      `json:"therapist_id,omitempty"`
	Status            Status          `json:"status"`
	PaymentStatus     PaymentStatus   `json:"payment_status"`
	Price             decimal.Decimal `json:"price"`
	TotalSessions     int             `json:"total_sessions"`
	CompletedSessions int             `json:"completed_sessions"`
	Payment           PaymentDetails  `json:"payment"`
	Sessions          []Session       `json:"sessions"`
	Version           int64           `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CompletionGrace is how far in the past a session's scheduled time must be
// before it can be marked completed.
const CompletionGrace = 30 * time.Minute

// CurrentSession returns the session in the current slot, or nil.
func (a *Appointment) CurrentSession() *Session {
	if len(a.Sessions) == 0 {
		return nil
	}
	return &a.Sessions[0]
}

// Date returns the scheduled time of the current session, or nil when the
// appointment has no scheduled session yet.
func (a *Appointment) Date() *time.Time {
	cur := a.CurrentSession()
	if cur == nil || cur.Invalid || cur.ScheduledAt.IsZero() {
		return nil
	}
	t := cur.ScheduledAt
	return &t
}

// RemainingSessions is the count of sessions not yet completed.
func (a *Appointment) RemainingSessions() int {
	return a.TotalSessions - a.CompletedSessions
}

// CanCancel reports whether a cancellation request is admissible before the
// transition graph is consulted.
func (a *Appointment) CanCancel() error {
	switch a.Status {
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusCompleted:
		return ErrAlreadyCompleted
	}
	if a.RemainingSessions() <= 0 {
		return ErrNoRemainingSessions
	}
	return nil
}

// CompleteSession applies the session-completion operation to the aggregate.
// target is SessionCompleted to mark a session done, or SessionInProgress to
// reverse a prior completion. Payment verification and persistence are the
// caller's responsibility; this method only enforces the temporal and
// counting invariants.
func (a *Appointment) CompleteSession(idx int, target SessionStatus, now time.Time) error {
	if idx < 0 || idx >= len(a.Sessions) {
		return ErrSessionIndexOutOfRange
	}
	s := &a.Sessions[idx]

	switch target {
	case SessionCompleted:
		if IsTerminal(a.Status) {
			return &InvalidTransitionError{
				From:   a.Status,
				To:     StatusCompleted,
				Reason: "appointment lifecycle is closed",
			}
		}
		if s.Invalid {
			return ErrSessionInvalid
		}
		if s.Status == SessionCompleted {
			return ErrSessionAlreadyCompleted
		}
		if a.CompletedSessions >= a.TotalSessions {
			return ErrNoRemainingSessions
		}
		if now.Sub(s.ScheduledAt) < CompletionGrace {
			return ErrSessionNotElapsed
		}
		// The final completion would flip the appointment status, so the
		// graph must hold an edge to completed from here.
		if a.CompletedSessions+1 == a.TotalSessions && !CanTransition(a.Status, StatusCompleted) {
			return &InvalidTransitionError{
				From:   a.Status,
				To:     StatusCompleted,
				Reason: "only a confirmed appointment can be completed",
			}
		}
		s.Status = SessionCompleted
		a.CompletedSessions++
		if a.CompletedSessions == a.TotalSessions {
			// The final completion flips the appointment in the same step,
			// with no intermediate advance.
			a.Status = StatusCompleted
			return nil
		}
		if idx == 0 {
			a.advanceCurrentSession()
		}
		return nil

	case SessionInProgress:
		if s.Status != SessionCompleted {
			return ErrSessionNotCompleted
		}
		s.Status = SessionInProgress
		a.CompletedSessions--
		if a.Status == StatusCompleted {
			a.Status = StatusConfirmed
		}
		return nil

	default:
		return ErrInvalidSessionTarget
	}
}

// advanceCurrentSession promotes the next chronological incomplete session
// into the current slot and appends the finished one to the historical tail.
func (a *Appointment) advanceCurrentSession() {
	next := -1
	for i := 1; i < len(a.Sessions); i++ {
		s := a.Sessions[i]
		if s.Invalid || s.Status == SessionCompleted {
			continue
		}
		if next == -1 || s.ScheduledAt.Before(a.Sessions[next].ScheduledAt) {
			next = i
		}
	}
	if next == -1 {
		return
	}
	finished := a.Sessions[0]
	promoted := a.Sessions[next]
	rest := make([]Session, 0, len(a.Sessions))
	rest = append(rest, promoted)
	for i := 1; i < len(a.Sessions); i++ {
		if i == next {
			continue
		}
		rest = append(rest, a.Sessions[i])
	}
	rest = append(rest, finished)
	a.Sessions = rest
}

// CheckInvariants verifies the counting invariants the engine must uphold at
// every observed state. Used by tests and the health endpoint.
func (a *Appointment) CheckInvariants() error {
	if a.CompletedSessions > a.TotalSessions {
		return ErrSessionCountExceeded
	}
	if (a.Status == StatusCompleted) != (a.CompletedSessions == a.TotalSessions) {
		return ErrCompletionMismatch
	}
	if a.Payment.RefundedUnitsFromBalance > a.Payment.SessionsPaidWithBalance ||
		a.Payment.RefundedUnitsFromStripe > a.Payment.SessionsPaidWithStripe {
		return ErrRefundExceedsPaid
	}
	return nil
}
