package ledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mindwell/therapy-platform/pkg/logging"
)

// Handler handles HTTP requests for wallet balances
type Handler struct {
	store  *Store
	logger *logging.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(store *Store, logger *logging.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

// BalanceResponse is the wallet projection for one patient.
type BalanceResponse struct {
	PatientID string `json:"patient_id"`
	Balance   string `json:"balance"`
}

// GetBalance handles GET /admin/patients/{id}/balance requests
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid patient id", http.StatusBadRequest)
		return
	}

	balance, err := h.store.GetBalance(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load balance", "error", err, "patient_id", id)
		http.Error(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BalanceResponse{
		PatientID: id.String(),
		Balance:   balance.StringFixed(2),
	})
}

// ReconcileResponse reports whether the projection matches the history log.
type ReconcileResponse struct {
	PatientID  string `json:"patient_id"`
	Consistent bool   `json:"consistent"`
}

// Reconcile handles POST /admin/patients/{id}/ledger/reconcile requests
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid patient id", http.StatusBadRequest)
		return
	}

	err = h.store.Reconcile(r.Context(), id)
	if err != nil && !errors.Is(err, ErrDrift) {
		h.logger.Error("reconciliation failed", "error", err, "patient_id", id)
		http.Error(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}

	resp := ReconcileResponse{PatientID: id.String(), Consistent: err == nil}
	status := http.StatusOK
	if !resp.Consistent {
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
