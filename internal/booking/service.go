package booking

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
	"github.com/mindwell/therapy-platform/pkg/logging"
)

var tracer = otel.Tracer("booking")

var (
	ErrInvalidPrice    = errors.New("booking: price must be positive")
	ErrInvalidSessions = errors.New("booking: total sessions must be at least 1")
	ErrInvalidUnits    = errors.New("booking: balance units exceed total sessions")
	ErrInvalidMethod   = errors.New("booking: unknown payment method")
)

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Request is a validated booking intake.
type Request struct {
	PatientID          uuid.UUID
	TherapistID        *uuid.UUID
	Price              decimal.Decimal
	TotalSessions      int
	PaymentMethod      appointments.PaymentMethod
	BalanceUnits       int
	MainDate           time.Time
	Sessions           []appointments.SessionInput
	ExternalPaymentRef string
}

// Result reports the created appointment and the balance after any debit.
type Result struct {
	Appointment *appointments.Appointment
	NewBalance  decimal.Decimal
}

// Service turns intake requests into persisted appointments. Balance-funded
// units are debited in the same transaction that creates the row, so a failed
// insert never leaves the wallet charged.
type Service struct {
	db     TxBeginner
	appts  *appointments.Repository
	wallet *ledger.Store
	outbox *events.OutboxStore
	logger *logging.Logger
}

func NewService(db TxBeginner, appts *appointments.Repository, wallet *ledger.Store, outbox *events.OutboxStore, logger *logging.Logger) *Service {
	if db == nil {
		panic("booking: tx beginner required")
	}
	if appts == nil || wallet == nil || outbox == nil {
		panic("booking: repositories required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{db: db, appts: appts, wallet: wallet, outbox: outbox, logger: logger.Component("booking")}
}

// Book creates the appointment. The wallet is debited first; an insufficient
// balance aborts the whole request with ledger.ErrInsufficientBalance.
func (s *Service) Book(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "booking.book")
	defer span.End()
	span.SetAttributes(attribute.String("patient_id", req.PatientID.String()))

	if !req.Price.IsPositive() {
		return Result{}, ErrInvalidPrice
	}
	if req.TotalSessions < 1 {
		return Result{}, ErrInvalidSessions
	}

	balanceUnits, err := balanceUnitsFor(req)
	if err != nil {
		return Result{}, err
	}
	stripeUnits := req.TotalSessions - balanceUnits
	unitPrice := req.Price.Div(decimal.NewFromInt(int64(req.TotalSessions))).Round(2)

	a := &appointments.Appointment{
		ID:            uuid.New(),
		PatientID:     req.PatientID,
		TherapistID:   req.TherapistID,
		Price:         req.Price.Round(2),
		TotalSessions: req.TotalSessions,
		Payment: appointments.PaymentDetails{
			Method:                  req.PaymentMethod,
			UnitPrice:               unitPrice,
			SessionsPaidWithBalance: balanceUnits,
			SessionsPaidWithStripe:  stripeUnits,
			ExternalPaymentRef:      req.ExternalPaymentRef,
		},
		Sessions: appointments.Normalize(req.MainDate, req.Price, req.TotalSessions, req.Sessions),
	}
	assignInitialStatus(a, stripeUnits)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("booking: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	newBalance := decimal.Zero
	if balanceUnits > 0 {
		debit := unitPrice.Mul(decimal.NewFromInt(int64(balanceUnits)))
		newBalance, err = s.wallet.WithTx(tx).Debit(ctx, req.PatientID, debit, "appointment booking", &a.ID)
		if err != nil {
			span.RecordError(err)
			return Result{}, err
		}
	} else if newBalance, err = s.wallet.WithTx(tx).GetBalance(ctx, req.PatientID); err != nil {
		return Result{}, err
	}

	if err := s.appts.WithTx(tx).Create(ctx, a); err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	payload := events.AppointmentBookedV1{
		EventID:       uuid.NewString(),
		AppointmentID: a.ID.String(),
		PatientID:     a.PatientID.String(),
		Status:        string(a.Status),
		PaymentMethod: string(a.Payment.Method),
		Price:         a.Price.StringFixed(2),
		TotalSessions: a.TotalSessions,
		ScheduledFor:  a.Date(),
		OccurredAt:    time.Now().UTC(),
	}
	if a.TherapistID != nil {
		payload.TherapistID = a.TherapistID.String()
	}
	if _, err := s.outbox.WithTx(tx).Insert(ctx, a.ID, "appointment.booked.v1", payload); err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("booking: commit: %w", err)
	}

	s.logger.Info("appointment booked",
		"appointment_id", a.ID,
		"patient_id", a.PatientID,
		"status", a.Status,
		"payment_method", a.Payment.Method,
		"total_sessions", a.TotalSessions,
	)
	return Result{Appointment: a, NewBalance: newBalance}, nil
}

// balanceUnitsFor resolves how many units the wallet funds.
func balanceUnitsFor(req Request) (int, error) {
	switch req.PaymentMethod {
	case appointments.MethodBalance:
		return req.TotalSessions, nil
	case appointments.MethodStripe:
		return 0, nil
	case appointments.MethodMixed:
		if req.BalanceUnits < 1 || req.BalanceUnits >= req.TotalSessions {
			return 0, ErrInvalidUnits
		}
		return req.BalanceUnits, nil
	default:
		return 0, ErrInvalidMethod
	}
}

// assignInitialStatus sets the starting lifecycle state. Anything stripe owes
// money on waits in pending until the provider confirms; fully prepaid plans
// go straight to matching or confirmation.
func assignInitialStatus(a *appointments.Appointment, stripeUnits int) {
	if stripeUnits > 0 {
		a.Status = appointments.StatusPending
		a.PaymentStatus = appointments.PaymentPending
		return
	}
	a.PaymentStatus = appointments.PaymentCompleted
	markSessionsPaid(a)
	switch {
	case a.TherapistID == nil:
		a.Status = appointments.StatusPendingMatch
	case a.Date() == nil:
		a.Status = appointments.StatusPendingScheduling
	default:
		a.Status = appointments.StatusConfirmed
	}
}

func markSessionsPaid(a *appointments.Appointment) {
	for i := range a.Sessions {
		if !a.Sessions[i].Invalid {
			a.Sessions[i].PaymentState = appointments.SessionPaid
		}
	}
}
