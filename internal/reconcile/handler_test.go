package reconcile

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/mindwell/therapy-platform/internal/appointments"
	"github.com/mindwell/therapy-platform/pkg/logging"
)

func newTestRouter(f *fixture) *chi.Mux {
	h := NewHandler(f.service, logging.Default())
	r := chi.NewRouter()
	r.Post("/appointments/{id}/cancel", h.Cancel)
	r.Post("/appointments/{id}/sessions/{idx}/complete", h.CompleteSession)
	return r
}

func TestCancelHandlerInvalidID(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	req := httptest.NewRequest(http.MethodPost, "/appointments/not-a-uuid/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCancelHandlerNotFound(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	id := uuid.New()
	f.mock.ExpectQuery("SELECT (.+) FROM appointments").
		WithArgs(id).
		WillReturnError(appointments.ErrNotFound)

	req := httptest.NewRequest(http.MethodPost, "/appointments/"+id.String()+"/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCancelHandlerHappyPath(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	a := f.balancePlan()
	f.expectLoad(t, a)

	key := CancelDedupeKey(a.ID)
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO ledger_dedupe").
		WithArgs(key, "300.00").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectQuery("INSERT INTO balances").
		WithArgs(a.PatientID, "300.00").
		WillReturnRows(pgxmock.NewRows([]string{"amount"}).AddRow("300.00"))
	f.mock.ExpectExec("INSERT INTO balance_history").
		WithArgs(a.PatientID, "credit", "300.00", "appointment cancellation refund", a.ID, key).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectExec("UPDATE appointments").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodPost, "/appointments/"+a.ID.String()+"/cancel", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp CancelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RefundAmount != "300.00" {
		t.Errorf("refundAmount = %s, want 300.00", resp.RefundAmount)
	}
	if resp.NewBalance != "300.00" {
		t.Errorf("newBalance = %s, want 300.00", resp.NewBalance)
	}
	if resp.Status != "cancelled" {
		t.Errorf("status = %s, want cancelled", resp.Status)
	}
	if resp.Verification == nil || !resp.Verification.Match {
		t.Errorf("verification = %+v, want match", resp.Verification)
	}
	if resp.Verification != nil && (resp.Verification.Expected != "300.00" || resp.Verification.Actual != "300.00") {
		t.Errorf("verification = %+v", resp.Verification)
	}
}

func TestCancelHandlerForwardsDedupeKey(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	a := f.balancePlan()
	f.expectLoad(t, a)

	key := "patient-app-42"
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO ledger_dedupe").
		WithArgs(key, "300.00").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectQuery("INSERT INTO balances").
		WithArgs(a.PatientID, "300.00").
		WillReturnRows(pgxmock.NewRows([]string{"amount"}).AddRow("300.00"))
	f.mock.ExpectExec("INSERT INTO balance_history").
		WithArgs(a.PatientID, "credit", "300.00", "appointment cancellation refund", a.ID, key).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectExec("UPDATE appointments").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectCommit()

	body := strings.NewReader(`{"dedupe_key":"patient-app-42"}`)
	req := httptest.NewRequest(http.MethodPost, "/appointments/"+a.ID.String()+"/cancel", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCompleteSessionHandlerUnverifiedReturnsReport(t *testing.T) {
	f := newFixture(t)
	f.verifier.result.PaymentStatus = "pending"
	router := newTestRouter(f)

	a := f.balancePlan()
	a.Payment.Method = appointments.MethodStripe
	a.Payment.ExternalPaymentRef = "cs_test_789"
	for i := range a.Sessions {
		a.Sessions[i].PaymentState = appointments.SessionNotPaid
	}
	f.expectLoad(t, a)

	req := httptest.NewRequest(http.MethodPost, "/appointments/"+a.ID.String()+"/sessions/0/complete", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp CompleteSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Verification == nil || resp.Verification.Match {
		t.Fatalf("verification = %+v, want mismatch", resp.Verification)
	}
	if resp.Verification.Expected != "paid" || resp.Verification.Actual != "pending" {
		t.Errorf("verification = %+v", resp.Verification)
	}
}

func TestStatusForMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{appointments.ErrNotFound, http.StatusNotFound},
		{appointments.ErrVersionConflict, http.StatusConflict},
		{ErrCompletionInProgress, http.StatusConflict},
		{ErrPaymentUnverified, http.StatusConflict},
		{appointments.ErrSessionNotElapsed, http.StatusUnprocessableEntity},
		{appointments.ErrNoRemainingSessions, http.StatusUnprocessableEntity},
		{&appointments.InvalidTransitionError{From: appointments.StatusCancelled, To: appointments.StatusConfirmed}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
