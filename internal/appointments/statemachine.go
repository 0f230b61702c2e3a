package appointments

// transitions is the authoritative directed graph of status changes. States
// with no entry are terminal. There are no implicit back-edges.
var transitions = map[Status][]Status{
	StatusUnpaid:            {StatusPending},
	StatusPending:           {StatusPendingMatch, StatusUnpaid},
	StatusPendingMatch:      {StatusMatchedPending},
	StatusMatchedPending:    {StatusPendingScheduling, StatusCancelled},
	StatusPendingScheduling: {StatusConfirmed, StatusCancelled},
	StatusConfirmed:         {StatusCompleted, StatusCancelled, StatusNoShow},
	StatusRescheduled:       {StatusConfirmed},
}

// CanTransition reports whether the graph contains an edge from -> to. Guards
// are not evaluated here; use Transition for that.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition moves the appointment to target after validating the edge and
// its guards. On failure nothing is mutated. StatusCompleted is never
// reachable through Transition; it is set only by the session-completion
// operation.
func Transition(a *Appointment, target Status) error {
	if !CanTransition(a.Status, target) {
		return &InvalidTransitionError{From: a.Status, To: target}
	}

	switch target {
	case StatusCompleted:
		return &InvalidTransitionError{
			From:   a.Status,
			To:     target,
			Reason: "completed is set by session completion, not directly",
		}
	case StatusPendingMatch:
		if a.PaymentStatus != PaymentCompleted {
			return &InvalidTransitionError{
				From:   a.Status,
				To:     target,
				Reason: "payment is not completed",
			}
		}
	case StatusPendingScheduling:
		if a.TherapistID == nil {
			return &InvalidTransitionError{
				From:   a.Status,
				To:     target,
				Reason: "no therapist assigned",
			}
		}
	case StatusConfirmed:
		if a.Date() == nil {
			return &InvalidTransitionError{
				From:   a.Status,
				To:     target,
				Reason: "no scheduled date",
			}
		}
	}

	a.Status = target
	return nil
}

// IsTerminal reports whether the status has no outgoing edges.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}
