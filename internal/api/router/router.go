package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mindwell/therapy-platform/internal/booking"
	httpmiddleware "github.com/mindwell/therapy-platform/internal/http/middleware"
	"github.com/mindwell/therapy-platform/internal/ledger"
	"github.com/mindwell/therapy-platform/internal/reconcile"
	"github.com/mindwell/therapy-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger           *logging.Logger
	BookingHandler   *booking.Handler
	ReconcileHandler *reconcile.Handler
	LedgerHandler    *ledger.Handler
	HealthHandler    *HealthHandler

	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Cancellation endpoint rate limit, requests per second per IP.
	CancelRatePerSecond float64
	CancelBurst         int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints
	r.Group(func(public chi.Router) {
		if cfg.HealthHandler != nil {
			public.Get("/health", cfg.HealthHandler.Check)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Patient-facing lifecycle endpoints
	r.Route("/appointments", func(appts chi.Router) {
		if cfg.BookingHandler != nil {
			appts.Post("/", cfg.BookingHandler.CreateAppointment)
		}
		if cfg.ReconcileHandler != nil {
			cancel := appts.With()
			if cfg.CancelRatePerSecond > 0 {
				cancel = appts.With(httpmiddleware.RateLimit(cfg.CancelRatePerSecond, cfg.CancelBurst))
			}
			cancel.Post("/{id}/cancel", cfg.ReconcileHandler.Cancel)
		}
	})

	// Admin routes (protected by JWT)
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			if cfg.ReconcileHandler != nil {
				admin.Post("/appointments/{id}/sessions/{idx}/complete", cfg.ReconcileHandler.CompleteSession)
			}
			if cfg.LedgerHandler != nil {
				admin.Get("/patients/{id}/balance", cfg.LedgerHandler.GetBalance)
				admin.Post("/patients/{id}/ledger/reconcile", cfg.LedgerHandler.Reconcile)
			}
		})
	}

	return r
}
