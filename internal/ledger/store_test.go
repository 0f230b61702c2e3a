package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"

	"github.com/mindwell/therapy-platform/pkg/logging"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, NewStoreWithDB(mock, logging.Default())
}

func TestCreditHappyPath(t *testing.T) {
	mock, store := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery("INSERT INTO balances").
		WithArgs(userID, "50.00").
		WillReturnRows(pgxmock.NewRows([]string{"amount"}).AddRow("50.00"))
	mock.ExpectExec("INSERT INTO balance_history").
		WithArgs(userID, "credit", "50.00", "refund", nil, nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res, err := store.Credit(context.Background(), userID, decimal.NewFromInt(50), "refund", nil, "")
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if res.Replayed {
		t.Error("unexpected replay")
	}
	if res.NewBalance.StringFixed(2) != "50.00" {
		t.Errorf("new balance = %s", res.NewBalance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreditDedupeReplayDoesNotMutate(t *testing.T) {
	mock, store := newMockStore(t)
	userID := uuid.New()

	// First application: key recorded, balance mutated.
	mock.ExpectExec("INSERT INTO ledger_dedupe").
		WithArgs("k1", "50.00").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO balances").
		WithArgs(userID, "50.00").
		WillReturnRows(pgxmock.NewRows([]string{"amount"}).AddRow("50.00"))
	mock.ExpectExec("INSERT INTO balance_history").
		WithArgs(userID, "credit", "50.00", "refund", nil, "k1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	// Replay: key conflicts, effect is read back, no balance write.
	mock.ExpectExec("INSERT INTO ledger_dedupe").
		WithArgs("k1", "50.00").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT effect").
		WithArgs("k1").
		WillReturnRows(pgxmock.NewRows([]string{"effect"}).AddRow("50.00"))
	mock.ExpectQuery("SELECT amount").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"amount"}).AddRow("50.00"))

	amount := decimal.NewFromInt(50)
	first, err := store.Credit(context.Background(), userID, amount, "refund", nil, "k1")
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	second, err := store.Credit(context.Background(), userID, amount, "refund", nil, "k1")
	if err != nil {
		t.Fatalf("replayed credit: %v", err)
	}

	if !second.Replayed {
		t.Error("expected replay flag")
	}
	if !second.Amount.Equal(first.Amount) {
		t.Errorf("replay amount %s != original %s", second.Amount, first.Amount)
	}
	// final balance is 50, not 100
	if second.NewBalance.StringFixed(2) != "50.00" {
		t.Errorf("balance = %s, want 50.00", second.NewBalance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	_, store := newMockStore(t)
	_, err := store.Credit(context.Background(), uuid.New(), decimal.Zero, "refund", nil, "")
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestLookupUnseenKey(t *testing.T) {
	mock, store := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery("SELECT effect").
		WithArgs("never-used").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.Lookup(context.Background(), userID, "never-used")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Error("expected unseen key to report false")
	}
}

func TestLookupConsumedKey(t *testing.T) {
	mock, store := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery("SELECT effect").
		WithArgs("cancel:abc").
		WillReturnRows(pgxmock.NewRows([]string{"effect"}).AddRow("150.00"))
	mock.ExpectQuery("SELECT amount").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"amount"}).AddRow("150.00"))

	res, ok, err := store.Lookup(context.Background(), userID, "cancel:abc")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || !res.Replayed {
		t.Error("expected consumed key to report a replayed effect")
	}
	if res.Amount.StringFixed(2) != "150.00" {
		t.Errorf("effect = %s, want 150.00", res.Amount)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	mock, store := newMockStore(t)
	userID := uuid.New()

	mock.ExpectExec("INSERT INTO balances").
		WithArgs(userID).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("UPDATE balances").
		WithArgs(userID, "120.00").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Debit(context.Background(), userID, decimal.NewFromInt(120), "booking", nil)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDebitHappyPath(t *testing.T) {
	mock, store := newMockStore(t)
	userID := uuid.New()
	apptID := uuid.New()

	mock.ExpectExec("INSERT INTO balances").
		WithArgs(userID).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("UPDATE balances").
		WithArgs(userID, "75.50").
		WillReturnRows(pgxmock.NewRows([]string{"amount"}).AddRow("24.50"))
	mock.ExpectExec("INSERT INTO balance_history").
		WithArgs(userID, "debit", "75.50", "booking", apptID, nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	balance, err := store.Debit(context.Background(), userID, decimal.RequireFromString("75.5"), "booking", &apptID)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if balance.StringFixed(2) != "24.50" {
		t.Errorf("balance = %s, want 24.50", balance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetBalanceUnknownUserIsZero(t *testing.T) {
	mock, store := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery("SELECT amount").
		WithArgs(userID).
		WillReturnError(pgx.ErrNoRows)

	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !balance.IsZero() {
		t.Errorf("balance = %s, want 0", balance)
	}
}

func TestReconcileDetectsDrift(t *testing.T) {
	mock, store := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery("SELECT amount").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"amount"}).AddRow("40.00"))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow("50.00"))

	if err := store.Reconcile(context.Background(), userID); !errors.Is(err, ErrDrift) {
		t.Fatalf("expected ErrDrift, got %v", err)
	}
}

func TestReconcileMatches(t *testing.T) {
	mock, store := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery("SELECT amount").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"amount"}).AddRow("50.00"))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow("50.00"))

	if err := store.Reconcile(context.Background(), userID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}
