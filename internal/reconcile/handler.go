package reconcile

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mindwell/therapy-platform/internal/appointments"
	"github.com/mindwell/therapy-platform/internal/refunds"
	"github.com/mindwell/therapy-platform/pkg/logging"
)

// Handler handles HTTP requests for lifecycle reconciliation
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler creates a new reconcile handler
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// CancelRequest is the optional policy override for a cancellation. DedupeKey
// lets the caller pin its own idempotency token; left empty, all cancellations
// of the appointment share one key.
type CancelRequest struct {
	RefundUnits int    `json:"refund_units,omitempty"`
	ChargeHalf  bool   `json:"charge_half,omitempty"`
	DedupeKey   string `json:"dedupe_key,omitempty"`
}

// CancelResponse reports the outcome the caller can show the patient.
type CancelResponse struct {
	Message      string              `json:"message"`
	Status       string              `json:"status"`
	RefundAmount string              `json:"refundAmount"`
	NewBalance   string              `json:"newBalance"`
	Replayed     bool                `json:"replayed,omitempty"`
	Verification *VerificationReport `json:"verification"`
}

// Cancel handles POST /appointments/{id}/cancel requests
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid appointment id", http.StatusBadRequest)
		return
	}

	var req CancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	result, err := h.service.RequestCancellation(r.Context(), id, refunds.Policy{
		ExplicitUnits: req.RefundUnits,
		ChargeHalf:    req.ChargeHalf,
	}, req.DedupeKey)
	if err != nil {
		h.writeError(w, "cancellation failed", err, "appointment_id", id)
		return
	}

	message := "appointment cancelled"
	if result.Replayed {
		message = "appointment was already cancelled"
	}
	writeJSON(w, http.StatusOK, CancelResponse{
		Message:      message,
		Status:       string(result.Status),
		RefundAmount: result.RefundAmount.StringFixed(2),
		NewBalance:   result.NewBalance.StringFixed(2),
		Replayed:     result.Replayed,
		Verification: result.Verification,
	})
}

// CompleteSessionRequest selects the session and the direction of the change.
type CompleteSessionRequest struct {
	Target string `json:"target"`
}

// CompleteSessionResponse returns the appointment snapshot after the change.
type CompleteSessionResponse struct {
	Message      string                    `json:"message"`
	Appointment  *appointments.Appointment `json:"appointment"`
	Verification *VerificationReport       `json:"verification,omitempty"`
}

// CompleteSession handles POST /admin/appointments/{id}/sessions/{idx}/complete requests
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid appointment id", http.StatusBadRequest)
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil || idx < 0 {
		http.Error(w, "invalid session index", http.StatusBadRequest)
		return
	}

	target := appointments.SessionCompleted
	var req CompleteSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.Target != "" {
			target = appointments.SessionStatus(req.Target)
		}
	}

	result, err := h.service.CompleteSession(r.Context(), id, idx, target)
	if err != nil {
		if errors.Is(err, ErrPaymentUnverified) {
			writeJSON(w, http.StatusConflict, CompleteSessionResponse{
				Message:      "payment could not be verified",
				Verification: result.Verification,
			})
			return
		}
		h.writeError(w, "session completion failed", err, "appointment_id", id, "session_index", idx)
		return
	}

	writeJSON(w, http.StatusOK, CompleteSessionResponse{
		Message:      "session completion applied",
		Appointment:  result.Appointment,
		Verification: result.Verification,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error, logArgs ...any) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append([]any{"error", err}, logArgs...)...)
	} else {
		h.logger.Warn(msg, append([]any{"error", err}, logArgs...)...)
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, appointments.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, appointments.ErrVersionConflict),
		errors.Is(err, ErrCompletionInProgress):
		return http.StatusConflict
	case appointments.IsInvalidTransition(err),
		errors.Is(err, appointments.ErrAlreadyCompleted),
		errors.Is(err, appointments.ErrNoRemainingSessions),
		errors.Is(err, appointments.ErrSessionNotElapsed),
		errors.Is(err, appointments.ErrSessionAlreadyCompleted),
		errors.Is(err, appointments.ErrSessionNotCompleted),
		errors.Is(err, appointments.ErrSessionInvalid),
		errors.Is(err, appointments.ErrInvalidSessionTarget),
		errors.Is(err, appointments.ErrSessionIndexOutOfRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPaymentUnverified):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
