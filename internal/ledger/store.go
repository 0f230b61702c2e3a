package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mindwell/therapy-platform/pkg/logging"
)

var (
	// ErrInsufficientBalance is returned when a debit would drive the
	// balance negative. Nothing is mutated.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidAmount is returned for non-positive mutation amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrDrift is returned by Reconcile when the balance projection no
	// longer matches the history log.
	ErrDrift = errors.New("ledger: balance does not match history")
)

// DB is the query surface the store needs. *pgxpool.Pool, pgx.Tx and pgxmock
// all satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreditResult reports the effect of a credit, including idempotent replays.
type CreditResult struct {
	Amount     decimal.Decimal
	NewBalance decimal.Decimal
	Replayed   bool
}

// Store is the durable prepaid-balance ledger. The current amount is only
// ever mutated through atomic conditional increments at the storage layer;
// the history log is append-only and used for audit and reconciliation, never
// as the source of truth for the amount.
type Store struct {
	db     DB
	logger *logging.Logger
}

// NewStore creates a ledger store backed by a pgx pool.
func NewStore(pool *pgxpool.Pool, logger *logging.Logger) *Store {
	if pool == nil {
		panic("ledger: pgx pool required")
	}
	return newStore(pool, logger)
}

// NewStoreWithDB allows injecting a transaction or a mock.
func NewStoreWithDB(db DB, logger *logging.Logger) *Store {
	if db == nil {
		panic("ledger: db required")
	}
	return newStore(db, logger)
}

func newStore(db DB, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{db: db, logger: logger.Component("ledger")}
}

// WithTx returns a store bound to the given transaction so a credit commits
// atomically with the caller's other writes.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx, logger: s.logger}
}

// Credit adds amount to the user's balance. A non-empty dedupeKey makes the
// operation idempotent: a previously seen key is a no-op that returns the
// originally recorded effect. The key is durably recorded before the balance
// mutation so concurrent replays cannot double-credit.
func (s *Store) Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reason string, relatedAppointment *uuid.UUID, dedupeKey string) (CreditResult, error) {
	if !amount.IsPositive() {
		return CreditResult{}, ErrInvalidAmount
	}
	amount = amount.Round(2)

	if dedupeKey != "" {
		ct, err := s.db.Exec(ctx, `
			INSERT INTO ledger_dedupe (dedupe_key, effect)
			VALUES ($1, $2)
			ON CONFLICT (dedupe_key) DO NOTHING
		`, dedupeKey, amount.StringFixed(2))
		if err != nil {
			return CreditResult{}, fmt.Errorf("ledger: record dedupe key: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return s.replay(ctx, userID, dedupeKey)
		}
	}

	var newBalance string
	if err := s.db.QueryRow(ctx, `
		INSERT INTO balances (user_id, amount)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET amount = balances.amount + EXCLUDED.amount, updated_at = now()
		RETURNING amount::text
	`, userID, amount.StringFixed(2)).Scan(&newBalance); err != nil {
		return CreditResult{}, fmt.Errorf("ledger: credit: %w", err)
	}

	if err := s.appendHistory(ctx, userID, "credit", amount, reason, relatedAppointment, dedupeKey); err != nil {
		return CreditResult{}, err
	}

	balance, err := decimal.NewFromString(newBalance)
	if err != nil {
		return CreditResult{}, fmt.Errorf("ledger: parse balance: %w", err)
	}
	s.logger.Info("balance credited",
		"user_id", userID,
		"amount", amount.StringFixed(2),
		"reason", reason,
		"new_balance", balance.StringFixed(2),
	)
	return CreditResult{Amount: amount, NewBalance: balance}, nil
}

// replay returns the previously recorded effect for a dedupe key without
// touching the balance.
func (s *Store) replay(ctx context.Context, userID uuid.UUID, dedupeKey string) (CreditResult, error) {
	var effect string
	if err := s.db.QueryRow(ctx, `
		SELECT effect::text FROM ledger_dedupe WHERE dedupe_key = $1
	`, dedupeKey).Scan(&effect); err != nil {
		return CreditResult{}, fmt.Errorf("ledger: load replay effect: %w", err)
	}
	amount, err := decimal.NewFromString(effect)
	if err != nil {
		return CreditResult{}, fmt.Errorf("ledger: parse replay effect: %w", err)
	}
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return CreditResult{}, err
	}
	s.logger.Info("credit replayed", "user_id", userID, "dedupe_key", dedupeKey)
	return CreditResult{Amount: amount, NewBalance: balance, Replayed: true}, nil
}

// Lookup reports whether a dedupe key has been consumed, returning the
// recorded effect and the current balance when it has. Callers use it to
// reconstruct the outcome of an operation that already ran.
func (s *Store) Lookup(ctx context.Context, userID uuid.UUID, dedupeKey string) (CreditResult, bool, error) {
	var effect string
	err := s.db.QueryRow(ctx, `
		SELECT effect::text FROM ledger_dedupe WHERE dedupe_key = $1
	`, dedupeKey).Scan(&effect)
	if errors.Is(err, pgx.ErrNoRows) {
		return CreditResult{}, false, nil
	}
	if err != nil {
		return CreditResult{}, false, fmt.Errorf("ledger: lookup dedupe key: %w", err)
	}
	amount, err := decimal.NewFromString(effect)
	if err != nil {
		return CreditResult{}, false, fmt.Errorf("ledger: parse replay effect: %w", err)
	}
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return CreditResult{}, false, err
	}
	return CreditResult{Amount: amount, NewBalance: balance, Replayed: true}, true, nil
}

// Debit subtracts amount from the user's balance. The guard lives in the SQL
// predicate, so two concurrent debits cannot both succeed past the available
// amount; a losing debit returns ErrInsufficientBalance with no mutation.
func (s *Store) Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reason string, relatedAppointment *uuid.UUID) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	amount = amount.Round(2)

	// Lazily create the row so the conditional update has something to match.
	if _, err := s.db.Exec(ctx, `
		INSERT INTO balances (user_id, amount)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: ensure balance row: %w", err)
	}

	var newBalance string
	err := s.db.QueryRow(ctx, `
		UPDATE balances
		SET amount = amount - $2, updated_at = now()
		WHERE user_id = $1 AND amount >= $2
		RETURNING amount::text
	`, userID, amount.StringFixed(2)).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrInsufficientBalance
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: debit: %w", err)
	}

	if err := s.appendHistory(ctx, userID, "debit", amount, reason, relatedAppointment, ""); err != nil {
		return decimal.Zero, err
	}

	balance, err := decimal.NewFromString(newBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse balance: %w", err)
	}
	s.logger.Info("balance debited",
		"user_id", userID,
		"amount", amount.StringFixed(2),
		"reason", reason,
		"new_balance", balance.StringFixed(2),
	)
	return balance, nil
}

// GetBalance returns the current projection, zero for unknown users.
func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var amount string
	err := s.db.QueryRow(ctx, `
		SELECT amount::text FROM balances WHERE user_id = $1
	`, userID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: get balance: %w", err)
	}
	balance, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse balance: %w", err)
	}
	return balance, nil
}

// Reconcile verifies amount == sum(credits) - sum(debits) over the history
// log and that the projection is non-negative. Used by the health endpoint
// and reconciliation jobs.
func (s *Store) Reconcile(ctx context.Context, userID uuid.UUID) error {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if balance.IsNegative() {
		return ErrDrift
	}

	var sum string
	if err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN action = 'credit' THEN amount ELSE -amount END), 0)::text
		FROM balance_history
		WHERE user_id = $1
	`, userID).Scan(&sum); err != nil {
		return fmt.Errorf("ledger: sum history: %w", err)
	}
	expected, err := decimal.NewFromString(sum)
	if err != nil {
		return fmt.Errorf("ledger: parse history sum: %w", err)
	}
	if !expected.Equal(balance) {
		s.logger.Error("ledger drift detected",
			"user_id", userID,
			"balance", balance.StringFixed(2),
			"history_sum", expected.StringFixed(2),
		)
		return ErrDrift
	}
	return nil
}

func (s *Store) appendHistory(ctx context.Context, userID uuid.UUID, action string, amount decimal.Decimal, reason string, relatedAppointment *uuid.UUID, dedupeKey string) error {
	var related any
	if relatedAppointment != nil {
		related = *relatedAppointment
	}
	var key any
	if dedupeKey != "" {
		key = dedupeKey
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO balance_history (user_id, action, amount, reason, related_appointment_id, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, action, amount.StringFixed(2), reason, related, key); err != nil {
		return fmt.Errorf("ledger: append history: %w", err)
	}
	return nil
}
