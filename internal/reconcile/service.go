package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mindwell/therapy-platform/internal/appointments"
	"github.com/mindwell/therapy-platform/internal/events"
	"github.com/mindwell/therapy-platform/internal/ledger"
	"github.com/mindwell/therapy-platform/internal/observability/metrics"
	"github.com/mindwell/therapy-platform/internal/payments"
	"github.com/mindwell/therapy-platform/internal/refunds"
	"github.com/mindwell/therapy-platform/pkg/logging"
)

var tracer = otel.Tracer("reconcile")

var (
	// ErrCompletionInProgress is returned when another request holds the
	// per-appointment completion lock.
	ErrCompletionInProgress = errors.New("reconcile: completion already in progress")

	// ErrPaymentUnverified is returned when the provider could not confirm
	// payment for a session about to be completed. The appointment is left
	// untouched.
	ErrPaymentUnverified = errors.New("reconcile: payment could not be verified")
)

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// VerificationReport is what the engine learned from the payment provider
// while handling a completion request.
type VerificationReport struct {
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Match    bool   `json:"match"`
}

// CancellationResult is the effect of a cancellation request, whether applied
// now or replayed from a previous application. Verification compares the
// refund the calculator owed against the amount the ledger actually credited;
// the two only diverge when a replay returns an outcome recorded under a
// different policy.
type CancellationResult struct {
	Status       appointments.Status
	RefundAmount decimal.Decimal
	NewBalance   decimal.Decimal
	Replayed     bool
	Verification *VerificationReport
}

func refundVerification(expected, actual decimal.Decimal) *VerificationReport {
	return &VerificationReport{
		Expected: expected.StringFixed(2),
		Actual:   actual.StringFixed(2),
		Match:    expected.Equal(actual),
	}
}

// CompletionResult carries the mutated appointment and, when the provider was
// consulted, the verification outcome.
type CompletionResult struct {
	Appointment  *appointments.Appointment
	Verification *VerificationReport
}

// Service is the reconciliation facade. Every mutation it performs commits
// the status change, the ledger movement and the outbox entry in a single
// transaction, so a crash can never leave money and state disagreeing.
type Service struct {
	db       TxBeginner
	appts    *appointments.Repository
	wallet   *ledger.Store
	outbox   *events.OutboxStore
	verifier payments.Verifier
	locks    *CompletionLock
	metrics  *metrics.EngineMetrics
	logger   *logging.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewService(db TxBeginner, appts *appointments.Repository, wallet *ledger.Store, outbox *events.OutboxStore, verifier payments.Verifier, locks *CompletionLock, logger *logging.Logger) *Service {
	if db == nil {
		panic("reconcile: tx beginner required")
	}
	if appts == nil || wallet == nil || outbox == nil {
		panic("reconcile: repositories required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		db:       db,
		appts:    appts,
		wallet:   wallet,
		outbox:   outbox,
		verifier: verifier,
		locks:    locks,
		logger:   logger.Component("reconcile"),
		timeout:  30 * time.Second,
		now:      time.Now,
	}
}

func (s *Service) WithMetrics(m *metrics.EngineMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// WithClock overrides the time source, used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CancelDedupeKey is the idempotency key every cancellation of the same
// appointment shares.
func CancelDedupeKey(appointmentID uuid.UUID) string {
	return "cancel:" + appointmentID.String()
}

// RequestCancellation cancels an appointment and credits the owed refund to
// the patient's balance. Repeating the request after it has succeeded replays
// the recorded outcome without moving money again. dedupeKey lets the caller
// supply its own idempotency token; when empty, every cancellation of the
// same appointment shares CancelDedupeKey.
func (s *Service) RequestCancellation(ctx context.Context, appointmentID uuid.UUID, policy refunds.Policy, dedupeKey string) (CancellationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "reconcile.request_cancellation")
	defer span.End()
	span.SetAttributes(attribute.String("appointment_id", appointmentID.String()))

	a, err := s.appts.GetByID(ctx, appointmentID)
	if err != nil {
		return CancellationResult{}, err
	}

	if dedupeKey == "" {
		dedupeKey = CancelDedupeKey(appointmentID)
	}
	if err := a.CanCancel(); err != nil {
		if errors.Is(err, appointments.ErrAlreadyCancelled) {
			return s.replayCancellation(ctx, a, dedupeKey)
		}
		s.observe("cancel", "rejected")
		return CancellationResult{}, err
	}

	refund := refunds.Calculate(a, policy)
	if err := appointments.Transition(a, appointments.StatusCancelled); err != nil {
		s.observe("cancel", "rejected")
		return CancellationResult{}, err
	}
	a.Payment.RefundedUnitsFromBalance += refund.UnitsFromBalance
	a.Payment.RefundedUnitsFromStripe += refund.UnitsFromStripe

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return CancellationResult{}, fmt.Errorf("reconcile: begin cancellation: %w", err)
	}
	defer tx.Rollback(ctx)

	newBalance := decimal.Zero
	if refund.Amount.IsPositive() {
		credited, err := s.wallet.WithTx(tx).Credit(ctx, a.PatientID, refund.Amount, "appointment cancellation refund", &a.ID, dedupeKey)
		if err != nil {
			span.RecordError(err)
			return CancellationResult{}, err
		}
		if credited.Replayed {
			// A concurrent cancellation won the key; surrender to it.
			s.observe("cancel", "replayed")
			return CancellationResult{
				Status:       appointments.StatusCancelled,
				RefundAmount: credited.Amount,
				NewBalance:   credited.NewBalance,
				Replayed:     true,
				Verification: refundVerification(refund.Amount, credited.Amount),
			}, nil
		}
		newBalance = credited.NewBalance
	} else if newBalance, err = s.wallet.WithTx(tx).GetBalance(ctx, a.PatientID); err != nil {
		return CancellationResult{}, err
	}

	if err := s.appts.WithTx(tx).Update(ctx, a); err != nil {
		span.RecordError(err)
		s.observe("cancel", "conflict")
		return CancellationResult{}, err
	}

	payload := events.AppointmentCancelledV1{
		EventID:       uuid.NewString(),
		AppointmentID: a.ID.String(),
		PatientID:     a.PatientID.String(),
		RefundAmount:  refund.Amount.StringFixed(2),
		NewBalance:    newBalance.StringFixed(2),
		DedupeKey:     dedupeKey,
		OccurredAt:    s.now().UTC(),
	}
	if a.TherapistID != nil {
		payload.TherapistID = a.TherapistID.String()
	}
	if _, err := s.outbox.WithTx(tx).Insert(ctx, a.ID, "appointment.cancelled.v1", payload); err != nil {
		span.RecordError(err)
		return CancellationResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CancellationResult{}, fmt.Errorf("reconcile: commit cancellation: %w", err)
	}

	s.observe("cancel", "ok")
	s.logger.Info("appointment cancelled",
		"appointment_id", a.ID,
		"patient_id", a.PatientID,
		"refund_amount", refund.Amount.StringFixed(2),
		"new_balance", newBalance.StringFixed(2),
	)
	return CancellationResult{
		Status:       a.Status,
		RefundAmount: refund.Amount,
		NewBalance:   newBalance,
		Verification: refundVerification(refund.Amount, refund.Amount),
	}, nil
}

// replayCancellation reconstructs the outcome of a cancellation that already
// ran from the dedupe record, without mutating anything.
func (s *Service) replayCancellation(ctx context.Context, a *appointments.Appointment, dedupeKey string) (CancellationResult, error) {
	s.observe("cancel", "replayed")
	recorded, ok, err := s.wallet.Lookup(ctx, a.PatientID, dedupeKey)
	if err != nil {
		return CancellationResult{}, err
	}
	if !ok {
		// Cancelled without a refund owed.
		balance, err := s.wallet.GetBalance(ctx, a.PatientID)
		if err != nil {
			return CancellationResult{}, err
		}
		return CancellationResult{
			Status:       a.Status,
			RefundAmount: decimal.Zero,
			NewBalance:   balance,
			Replayed:     true,
			Verification: refundVerification(decimal.Zero, decimal.Zero),
		}, nil
	}
	// Replay returns the identical recorded effect.
	return CancellationResult{
		Status:       a.Status,
		RefundAmount: recorded.Amount,
		NewBalance:   recorded.NewBalance,
		Replayed:     true,
		Verification: refundVerification(recorded.Amount, recorded.Amount),
	}, nil
}

// CompleteSession marks one session of an appointment completed, or reverses
// a previous completion when target is in_progress. Stripe-funded sessions
// are verified with the provider before any state changes; a provider outage
// aborts the request rather than assuming payment.
func (s *Service) CompleteSession(ctx context.Context, appointmentID uuid.UUID, idx int, target appointments.SessionStatus) (CompletionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "reconcile.complete_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment_id", appointmentID.String()),
		attribute.Int("session_index", idx),
		attribute.String("target", string(target)),
	)

	if s.locks != nil {
		token, ok, err := s.locks.Acquire(ctx, appointmentID)
		if err != nil {
			return CompletionResult{}, err
		}
		if !ok {
			s.observe("complete_session", "locked")
			return CompletionResult{}, ErrCompletionInProgress
		}
		defer func() {
			if err := s.locks.Release(context.WithoutCancel(ctx), appointmentID, token); err != nil {
				s.logger.Error("failed to release completion lock", "error", err, "appointment_id", appointmentID)
			}
		}()
	}

	a, err := s.appts.GetByID(ctx, appointmentID)
	if err != nil {
		return CompletionResult{}, err
	}

	var report *VerificationReport
	if target == appointments.SessionCompleted && s.requiresPaidEvidence(a, idx) {
		// An externally funded session never completes on trust: no
		// configured verifier or no reference to check is a rejection,
		// not a pass.
		if s.verifier == nil || a.Payment.ExternalPaymentRef == "" {
			s.observe("complete_session", "unverified")
			return CompletionResult{}, fmt.Errorf("%w: no verifiable payment reference on an externally funded appointment", ErrPaymentUnverified)
		}
		report, err = s.verifyPayment(ctx, a)
		if err != nil || !report.Match {
			s.observe("complete_session", "unverified")
			if err != nil {
				span.RecordError(err)
				return CompletionResult{Verification: report}, fmt.Errorf("%w: %w", ErrPaymentUnverified, err)
			}
			return CompletionResult{Verification: report}, ErrPaymentUnverified
		}
		a.Sessions[idx].PaymentState = appointments.SessionPaid
		if a.PaymentStatus == appointments.PaymentPending {
			a.PaymentStatus = appointments.PaymentCompleted
		}
	}

	if err := a.CompleteSession(idx, target, s.now()); err != nil {
		s.observe("complete_session", "rejected")
		return CompletionResult{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("reconcile: begin completion: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.appts.WithTx(tx).Update(ctx, a); err != nil {
		span.RecordError(err)
		s.observe("complete_session", "conflict")
		return CompletionResult{}, err
	}

	payload := events.SessionCompletedV1{
		EventID:           uuid.NewString(),
		AppointmentID:     a.ID.String(),
		PatientID:         a.PatientID.String(),
		TargetStatus:      string(target),
		CompletedSessions: a.CompletedSessions,
		TotalSessions:     a.TotalSessions,
		AppointmentStatus: string(a.Status),
		OccurredAt:        s.now().UTC(),
	}
	if idx < len(a.Sessions) {
		payload.SessionID = a.Sessions[idx].ID.String()
	}
	if _, err := s.outbox.WithTx(tx).Insert(ctx, a.ID, "session.completed.v1", payload); err != nil {
		span.RecordError(err)
		return CompletionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CompletionResult{}, fmt.Errorf("reconcile: commit completion: %w", err)
	}

	s.observe("complete_session", "ok")
	s.logger.Info("session completion applied",
		"appointment_id", a.ID,
		"target", target,
		"completed_sessions", a.CompletedSessions,
		"total_sessions", a.TotalSessions,
		"status", a.Status,
	)
	return CompletionResult{Appointment: a, Verification: report}, nil
}

// requiresPaidEvidence reports whether completing the session at idx needs a
// paid result from the provider. Balance-funded appointments are settled at
// booking; externally funded sessions need evidence until marked paid.
func (s *Service) requiresPaidEvidence(a *appointments.Appointment, idx int) bool {
	if a.Payment.Method == appointments.MethodBalance {
		return false
	}
	if idx < 0 || idx >= len(a.Sessions) {
		return false
	}
	return a.Sessions[idx].PaymentState != appointments.SessionPaid
}

func (s *Service) verifyPayment(ctx context.Context, a *appointments.Appointment) (*VerificationReport, error) {
	refs := payments.RefsFromRef(a.Payment.ExternalPaymentRef)
	start := time.Now()
	res, err := s.verifier.Verify(ctx, refs)
	if s.metrics != nil {
		s.metrics.ObserveVerifyLatency(refShape(refs), time.Since(start).Seconds())
	}
	report := &VerificationReport{
		Expected: string(payments.StatusPaid),
		Actual:   string(res.PaymentStatus),
		Match:    res.PaymentStatus == payments.StatusPaid,
	}
	return report, err
}

func refShape(refs payments.Refs) string {
	switch {
	case refs.CheckoutSession != "":
		return "checkout_session"
	case refs.PaymentIntent != "":
		return "payment_intent"
	case refs.Charge != "":
		return "charge"
	case refs.Invoice != "":
		return "invoice"
	case refs.Subscription != "":
		return "subscription"
	default:
		return "unknown"
	}
}

func (s *Service) observe(operation, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(operation, outcome)
	}
}
