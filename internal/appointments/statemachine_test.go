package appointments

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func confirmedAppointment() *Appointment {
	tid := uuid.New()
	return &Appointment{
		ID:            uuid.New(),
		PatientID:     uuid.New(),
		TherapistID:   &tid,
		Status:        StatusConfirmed,
		PaymentStatus: PaymentCompleted,
		TotalSessions: 3,
		Sessions: []Session{
			{ID: uuid.New(), ScheduledAt: time.Now().Add(-time.Hour), Status: SessionInProgress, PaymentState: SessionPaid},
		},
	}
}

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusUnpaid, StatusPending, true},
		{StatusPending, StatusPendingMatch, true},
		{StatusPending, StatusUnpaid, true},
		{StatusPendingMatch, StatusMatchedPending, true},
		{StatusMatchedPending, StatusPendingScheduling, true},
		{StatusMatchedPending, StatusCancelled, true},
		{StatusPendingScheduling, StatusConfirmed, true},
		{StatusPendingScheduling, StatusCancelled, true},
		{StatusConfirmed, StatusCancelled, true},
		{StatusConfirmed, StatusNoShow, true},
		{StatusRescheduled, StatusConfirmed, true},
		// not in the graph
		{StatusUnpaid, StatusConfirmed, false},
		{StatusPendingMatch, StatusCancelled, false},
		{StatusCancelled, StatusConfirmed, false},
		{StatusCompleted, StatusConfirmed, false},
		{StatusNoShow, StatusConfirmed, false},
		{StatusConfirmed, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestTransitionRejectsOutsideGraphWithoutMutating(t *testing.T) {
	a := confirmedAppointment()
	err := Transition(a, StatusPending)
	if !IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if a.Status != StatusConfirmed {
		t.Errorf("status mutated on rejected transition: %s", a.Status)
	}
}

func TestTransitionCompletedNeverDirect(t *testing.T) {
	a := confirmedAppointment()
	err := Transition(a, StatusCompleted)
	if !IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if a.Status != StatusConfirmed {
		t.Errorf("status mutated: %s", a.Status)
	}
}

func TestTransitionGuardPendingMatchRequiresPayment(t *testing.T) {
	a := confirmedAppointment()
	a.Status = StatusPending
	a.PaymentStatus = PaymentPending

	err := Transition(a, StatusPendingMatch)
	if !IsInvalidTransition(err) {
		t.Fatalf("expected guard failure, got %v", err)
	}

	a.PaymentStatus = PaymentCompleted
	if err := Transition(a, StatusPendingMatch); err != nil {
		t.Fatalf("expected transition to succeed, got %v", err)
	}
	if a.Status != StatusPendingMatch {
		t.Errorf("status = %s, want pending_match", a.Status)
	}
}

func TestTransitionGuardPendingSchedulingRequiresTherapist(t *testing.T) {
	a := confirmedAppointment()
	a.Status = StatusMatchedPending
	a.TherapistID = nil

	err := Transition(a, StatusPendingScheduling)
	if !IsInvalidTransition(err) {
		t.Fatalf("expected guard failure, got %v", err)
	}

	tid := uuid.New()
	a.TherapistID = &tid
	if err := Transition(a, StatusPendingScheduling); err != nil {
		t.Fatalf("expected transition to succeed, got %v", err)
	}
}

func TestTransitionGuardConfirmedRequiresDate(t *testing.T) {
	a := confirmedAppointment()
	a.Status = StatusPendingScheduling
	a.Sessions = nil

	err := Transition(a, StatusConfirmed)
	if !IsInvalidTransition(err) {
		t.Fatalf("expected guard failure, got %v", err)
	}

	a.Sessions = []Session{{ID: uuid.New(), ScheduledAt: time.Now().Add(24 * time.Hour), Status: SessionInProgress}}
	if err := Transition(a, StatusConfirmed); err != nil {
		t.Fatalf("expected transition to succeed, got %v", err)
	}
}

func TestCanCancel(t *testing.T) {
	a := confirmedAppointment()
	if err := a.CanCancel(); err != nil {
		t.Fatalf("expected cancellable, got %v", err)
	}

	a.Status = StatusCancelled
	if err := a.CanCancel(); !errors.Is(err, ErrAlreadyCancelled) {
		t.Errorf("expected ErrAlreadyCancelled, got %v", err)
	}

	a.Status = StatusConfirmed
	a.CompletedSessions = a.TotalSessions
	if err := a.CanCancel(); !errors.Is(err, ErrNoRemainingSessions) {
		t.Errorf("expected ErrNoRemainingSessions, got %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCancelled, StatusCompleted, StatusNoShow} {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusUnpaid, StatusPending, StatusConfirmed, StatusRescheduled} {
		if IsTerminal(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}
