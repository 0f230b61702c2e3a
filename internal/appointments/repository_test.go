package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
)

func TestRepositoryCreate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	now := time.Now().UTC()
	a := planAppointment(t, now.Add(24*time.Hour))

	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(
			a.ID, a.PatientID, pgxmock.AnyArg(), "confirmed", "completed",
			"300.00", 1, 0, "balance", "100.00",
			1, 0, 0, 0, pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	repo := NewRepositoryWithDB(mock)
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("version = %d, want 1", a.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRepositoryGetByIDNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM appointments").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	repo := NewRepositoryWithDB(mock)
	_, err = repo.GetByID(context.Background(), id)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepositoryGetByIDScans(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	now := time.Now().UTC()
	id := uuid.New()
	patient := uuid.New()
	sessions, _ := json.Marshal([]Session{
		{ID: uuid.New(), ScheduledAt: now, Status: SessionInProgress, PaymentState: SessionPaid, Price: decimal.NewFromInt(100)},
	})

	rows := pgxmock.NewRows([]string{
		"id", "patient_id", "therapist_id", "status", "payment_status",
		"price", "total_sessions", "completed_sessions",
		"payment_method", "unit_price",
		"sessions_paid_balance", "sessions_paid_stripe",
		"refunded_units_balance", "refunded_units_stripe",
		"external_payment_ref", "sessions", "version", "created_at", "updated_at",
	}).AddRow(
		id, patient, nil, "confirmed", "completed",
		"300.00", 3, 0, "stripe", "100.00",
		0, 3, 0, 0,
		"cs_test_123", sessions, int64(2), now, now,
	)

	mock.ExpectQuery("SELECT (.+) FROM appointments").WithArgs(id).WillReturnRows(rows)

	repo := NewRepositoryWithDB(mock)
	got, err := repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusConfirmed || got.Payment.Method != MethodStripe {
		t.Errorf("unexpected appointment: %+v", got)
	}
	if got.Price.StringFixed(2) != "300.00" {
		t.Errorf("price = %s", got.Price)
	}
	if got.TherapistID != nil {
		t.Errorf("expected nil therapist, got %v", got.TherapistID)
	}
	if len(got.Sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(got.Sessions))
	}
	if got.Payment.ExternalPaymentRef != "cs_test_123" {
		t.Errorf("external ref = %s", got.Payment.ExternalPaymentRef)
	}
}

func TestRepositoryUpdateVersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	a := planAppointment(t, time.Now().Add(time.Hour))
	a.Version = 3

	mock.ExpectExec("UPDATE appointments").
		WithArgs(
			"confirmed", "completed", 0, 0, 0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), a.ID, int64(3),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewRepositoryWithDB(mock)
	err = repo.Update(context.Background(), a)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestRepositoryUpdateBumpsVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	a := planAppointment(t, time.Now().Add(time.Hour))
	a.Version = 1

	mock.ExpectExec("UPDATE appointments").
		WithArgs(
			"confirmed", "completed", 0, 0, 0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), a.ID, int64(1),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewRepositoryWithDB(mock)
	if err := repo.Update(context.Background(), a); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version = %d, want 2", a.Version)
	}
}
