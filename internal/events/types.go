package events

import "time"

// Snapshot event payloads fed to calendar-sync and email collaborators after
// a successful engine mutation. Delivery is fire-and-forget; a consumer
// failure never rolls back the core mutation.

type AppointmentBookedV1 struct {
	EventID       string     `json:"event_id"`
	AppointmentID string     `json:"appointment_id"`
	PatientID     string     `json:"patient_id"`
	TherapistID   string     `json:"therapist_id,omitempty"`
	Status        string     `json:"status"`
	PaymentMethod string     `json:"payment_method"`
	Price         string     `json:"price"`
	TotalSessions int        `json:"total_sessions"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

type AppointmentCancelledV1 struct {
	EventID       string    `json:"event_id"`
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	TherapistID   string    `json:"therapist_id,omitempty"`
	RefundAmount  string    `json:"refund_amount"`
	NewBalance    string    `json:"new_balance"`
	DedupeKey     string    `json:"dedupe_key,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type SessionCompletedV1 struct {
	EventID           string    `json:"event_id"`
	AppointmentID     string    `json:"appointment_id"`
	PatientID         string    `json:"patient_id"`
	SessionID         string    `json:"session_id"`
	TargetStatus      string    `json:"target_status"`
	CompletedSessions int       `json:"completed_sessions"`
	TotalSessions     int       `json:"total_sessions"`
	AppointmentStatus string    `json:"appointment_status"`
	OccurredAt        time.Time `json:"occurred_at"`
}
