package booking

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mindwell/therapy-platform/internal/appointments"
	"github.com/mindwell/therapy-platform/internal/ledger"
	"github.com/mindwell/therapy-platform/pkg/logging"
)

// Handler handles HTTP requests for booking intake
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler creates a new booking handler
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// CreateAppointmentRequest is the booking intake payload.
type CreateAppointmentRequest struct {
	PatientID          string                      `json:"patient_id"`
	TherapistID        string                      `json:"therapist_id,omitempty"`
	Price              decimal.Decimal             `json:"price"`
	TotalSessions      int                         `json:"total_sessions"`
	PaymentMethod      string                      `json:"payment_method"`
	BalanceUnits       int                         `json:"balance_units,omitempty"`
	Date               time.Time                   `json:"date"`
	Sessions           []appointments.SessionInput `json:"sessions,omitempty"`
	ExternalPaymentRef string                      `json:"external_payment_ref,omitempty"`
}

// CreateAppointmentResponse returns the created appointment's identifiers.
type CreateAppointmentResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	NewBalance    string `json:"new_balance"`
}

// CreateAppointment handles POST /appointments requests
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		http.Error(w, "invalid patient_id", http.StatusBadRequest)
		return
	}
	var therapistID *uuid.UUID
	if req.TherapistID != "" {
		tid, err := uuid.Parse(req.TherapistID)
		if err != nil {
			http.Error(w, "invalid therapist_id", http.StatusBadRequest)
			return
		}
		therapistID = &tid
	}
	if req.Date.IsZero() {
		http.Error(w, "date is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.Book(r.Context(), Request{
		PatientID:          patientID,
		TherapistID:        therapistID,
		Price:              req.Price,
		TotalSessions:      req.TotalSessions,
		PaymentMethod:      appointments.PaymentMethod(req.PaymentMethod),
		BalanceUnits:       req.BalanceUnits,
		MainDate:           req.Date,
		Sessions:           req.Sessions,
		ExternalPaymentRef: req.ExternalPaymentRef,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, ErrInvalidPrice),
			errors.Is(err, ErrInvalidSessions),
			errors.Is(err, ErrInvalidUnits),
			errors.Is(err, ErrInvalidMethod):
			status = http.StatusBadRequest
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("booking failed", "error", err, "patient_id", req.PatientID)
		}
		http.Error(w, err.Error(), status)
		return
	}

	a := result.Appointment
	h.logger.Info("appointment created", "id", a.ID, "status", a.Status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateAppointmentResponse{
		ID:            a.ID.String(),
		Status:        string(a.Status),
		PaymentStatus: string(a.PaymentStatus),
		NewBalance:    result.NewBalance.StringFixed(2),
	})
}
