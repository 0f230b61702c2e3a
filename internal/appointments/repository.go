package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DB is the query surface the repository needs. *pgxpool.Pool, pgx.Tx and
// pgxmock all satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists appointments with their session lists.
type Repository struct {
	db DB
}

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithDB allows injecting a transaction or a mock.
func NewRepositoryWithDB(db DB) *Repository {
	if db == nil {
		panic("appointments: db required")
	}
	return &Repository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

// Create inserts a new appointment row.
func (r *Repository) Create(ctx context.Context, a *Appointment) error {
	sessions, err := json.Marshal(a.Sessions)
	if err != nil {
		return fmt.Errorf("appointments: marshal sessions: %w", err)
	}
	query := `
		INSERT INTO appointments (
			id, patient_id, therapist_id, status, payment_status,
			price, total_sessions, completed_sessions,
			payment_method, unit_price,
			sessions_paid_balance, sessions_paid_stripe,
			refunded_units_balance, refunded_units_stripe,
			external_payment_ref, sessions, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1)
		RETURNING created_at, updated_at
	`
	if err := r.db.QueryRow(ctx, query,
		a.ID,
		a.PatientID,
		toPGUUID(a.TherapistID),
		string(a.Status),
		string(a.PaymentStatus),
		a.Price.StringFixed(2),
		a.TotalSessions,
		a.CompletedSessions,
		string(a.Payment.Method),
		a.Payment.UnitPrice.StringFixed(2),
		a.Payment.SessionsPaidWithBalance,
		a.Payment.SessionsPaidWithStripe,
		a.Payment.RefundedUnitsFromBalance,
		a.Payment.RefundedUnitsFromStripe,
		toPGText(a.Payment.ExternalPaymentRef),
		sessions,
	).Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return fmt.Errorf("appointments: insert: %w", err)
	}
	a.Version = 1
	return nil
}

// GetByID loads an appointment.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	query := `
		SELECT id, patient_id, therapist_id, status, payment_status,
		       price::text, total_sessions, completed_sessions,
		       payment_method, unit_price::text,
		       sessions_paid_balance, sessions_paid_stripe,
		       refunded_units_balance, refunded_units_stripe,
		       external_payment_ref, sessions, version, created_at, updated_at
		FROM appointments
		WHERE id = $1
	`
	row := r.db.QueryRow(ctx, query, id)

	var (
		a           Appointment
		therapist   pgtype.UUID
		status      string
		payStatus   string
		price       string
		method      string
		unitPrice   string
		externalRef pgtype.Text
		sessions    []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.PatientID,
		&therapist,
		&status,
		&payStatus,
		&price,
		&a.TotalSessions,
		&a.CompletedSessions,
		&method,
		&unitPrice,
		&a.Payment.SessionsPaidWithBalance,
		&a.Payment.SessionsPaidWithStripe,
		&a.Payment.RefundedUnitsFromBalance,
		&a.Payment.RefundedUnitsFromStripe,
		&externalRef,
		&sessions,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("appointments: load by id: %w", err)
	}

	a.Status = Status(status)
	a.PaymentStatus = PaymentStatus(payStatus)
	a.Payment.Method = PaymentMethod(method)
	a.Payment.ExternalPaymentRef = externalRef.String
	if therapist.Valid {
		tid := uuid.UUID(therapist.Bytes)
		a.TherapistID = &tid
	}

	var err error
	if a.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("appointments: parse price: %w", err)
	}
	if a.Payment.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return nil, fmt.Errorf("appointments: parse unit price: %w", err)
	}
	if err := json.Unmarshal(sessions, &a.Sessions); err != nil {
		return nil, fmt.Errorf("appointments: unmarshal sessions: %w", err)
	}
	return &a, nil
}

// Update persists status, counters, refunded units and the session list with
// an optimistic version check. A concurrent writer causes ErrVersionConflict.
func (r *Repository) Update(ctx context.Context, a *Appointment) error {
	sessions, err := json.Marshal(a.Sessions)
	if err != nil {
		return fmt.Errorf("appointments: marshal sessions: %w", err)
	}
	query := `
		UPDATE appointments
		SET status = $1,
		    payment_status = $2,
		    completed_sessions = $3,
		    refunded_units_balance = $4,
		    refunded_units_stripe = $5,
		    sessions = $6,
		    therapist_id = $7,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $8 AND version = $9
	`
	ct, err := r.db.Exec(ctx, query,
		string(a.Status),
		string(a.PaymentStatus),
		a.CompletedSessions,
		a.Payment.RefundedUnitsFromBalance,
		a.Payment.RefundedUnitsFromStripe,
		sessions,
		toPGUUID(a.TherapistID),
		a.ID,
		a.Version,
	)
	if err != nil {
		return fmt.Errorf("appointments: update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	a.Version++
	return nil
}

func toPGUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{
		Bytes: [16]byte(*id),
		Valid: true,
	}
}

func toPGText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
