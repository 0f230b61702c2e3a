package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mindwell/therapy-platform/internal/events"
	"github.com/mindwell/therapy-platform/pkg/logging"
)

// RecipientDirectory resolves a patient id to an email address.
type RecipientDirectory interface {
	EmailFor(ctx context.Context, patientID string) (address, name string, err error)
}

// Notifier turns outbox entries into patient emails. It implements
// events.DeliveryHandler; returning nil marks the entry delivered, so
// unresolvable recipients are skipped rather than retried forever.
type Notifier struct {
	sender    EmailSender
	directory RecipientDirectory
	logger    *logging.Logger
}

func NewNotifier(sender EmailSender, directory RecipientDirectory, logger *logging.Logger) *Notifier {
	if sender == nil {
		panic("notify: email sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Notifier{sender: sender, directory: directory, logger: logger.Component("notify")}
}

func (n *Notifier) Handle(ctx context.Context, entry events.OutboxEntry) error {
	msg, patientID, err := n.compose(entry)
	if err != nil {
		n.logger.Error("failed to compose notification", "error", err, "event_id", entry.ID, "type", entry.Type)
		return nil
	}
	if msg == nil {
		return nil
	}

	if n.directory == nil {
		n.logger.Debug("no recipient directory configured, skipping notification", "event_id", entry.ID)
		return nil
	}
	address, name, err := n.directory.EmailFor(ctx, patientID)
	if err != nil || address == "" {
		n.logger.Warn("no email for patient, skipping notification", "patient_id", patientID, "error", err)
		return nil
	}
	msg.To = address
	msg.ToName = name

	if err := n.sender.Send(ctx, *msg); err != nil {
		return fmt.Errorf("notify: deliver %s: %w", entry.Type, err)
	}
	return nil
}

func (n *Notifier) compose(entry events.OutboxEntry) (*EmailMessage, string, error) {
	switch entry.Type {
	case "appointment.booked.v1":
		var p events.AppointmentBookedV1
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, "", err
		}
		body := fmt.Sprintf("Your appointment is booked (%d session(s), %s total).", p.TotalSessions, p.Price)
		if p.ScheduledFor != nil {
			body = fmt.Sprintf("Your appointment is booked for %s (%d session(s), %s total).",
				p.ScheduledFor.Format("Monday, 2 January 2006 at 15:04"), p.TotalSessions, p.Price)
		}
		return &EmailMessage{Subject: "Your appointment is booked", Body: body}, p.PatientID, nil

	case "appointment.cancelled.v1":
		var p events.AppointmentCancelledV1
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, "", err
		}
		body := fmt.Sprintf("Your appointment has been cancelled. %s was refunded to your balance; your balance is now %s.",
			p.RefundAmount, p.NewBalance)
		return &EmailMessage{Subject: "Your appointment was cancelled", Body: body}, p.PatientID, nil

	case "session.completed.v1":
		var p events.SessionCompletedV1
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, "", err
		}
		body := fmt.Sprintf("Session %d of %d is complete.", p.CompletedSessions, p.TotalSessions)
		if p.AppointmentStatus == "completed" {
			body = fmt.Sprintf("Session %d of %d is complete. Your plan is now finished, thank you for choosing us.",
				p.CompletedSessions, p.TotalSessions)
		}
		return &EmailMessage{Subject: "Session completed", Body: body}, p.PatientID, nil

	default:
		n.logger.Debug("unhandled outbox event type", "type", entry.Type)
		return nil, "", nil
	}
}
