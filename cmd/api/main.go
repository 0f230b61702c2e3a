package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mindwell/therapy-platform/internal/api/router"
	"github.com/mindwell/therapy-platform/internal/appointments"
	"github.com/mindwell/therapy-platform/internal/booking"
	appconfig "github.com/mindwell/therapy-platform/internal/config"
	"github.com/mindwell/therapy-platform/internal/events"
	"github.com/mindwell/therapy-platform/internal/ledger"
	"github.com/mindwell/therapy-platform/internal/notify"
	"github.com/mindwell/therapy-platform/internal/observability/metrics"
	"github.com/mindwell/therapy-platform/internal/payments"
	"github.com/mindwell/therapy-platform/internal/reconcile"
	"github.com/mindwell/therapy-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	if cfg.Env == "development" {
		logger = logging.NewText(cfg.LogLevel)
	}
	logger.Info("starting therapy-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create pgx pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		os.Exit(1)
	}

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}

	// Storage layers
	apptRepo := appointments.NewRepository(pool)
	wallet := ledger.NewStore(pool, logger)
	outbox := events.NewOutboxStore(pool)

	// Payment verification adapter
	var verifier payments.Verifier
	if cfg.StripeAPIKey != "" {
		verifier = payments.NewStripeVerifier(cfg.StripeBaseURL, cfg.StripeAPIKey, cfg.VerifyTimeout, logger)
	} else {
		logger.Warn("STRIPE_API_KEY not set, stripe-funded completions will fail verification")
	}

	engineMetrics := metrics.NewEngineMetrics(prometheus.DefaultRegisterer)

	// Core services
	completionLock := reconcile.NewCompletionLock(redisClient, cfg.CompletionLockTTL)
	reconcileService := reconcile.NewService(pool, apptRepo, wallet, outbox, verifier, completionLock, logger).
		WithMetrics(engineMetrics).
		WithTimeout(cfg.OperationTimeout)
	bookingService := booking.NewService(pool, apptRepo, wallet, outbox, logger)

	// Outbox delivery to email
	emailSender := notify.EmailSender(notify.NewStubEmailSender(logger))
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		emailSender = sg
	}
	notifier := notify.NewNotifier(emailSender, nil, logger)
	deliverer := events.NewDeliverer(outbox, notifier, logger).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithInterval(cfg.OutboxPollInterval)
	go deliverer.Start(ctx)

	health := router.NewHealthHandler(logger).
		AddCheck("postgres", router.PingerFunc(pool.Ping)).
		AddCheck("redis", router.PingerFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))

	r := router.New(&router.Config{
		Logger:              logger,
		BookingHandler:      booking.NewHandler(bookingService, logger),
		ReconcileHandler:    reconcile.NewHandler(reconcileService, logger),
		LedgerHandler:       ledger.NewHandler(wallet, logger),
		HealthHandler:       health,
		AdminAuthSecret:     cfg.AdminJWTSecret,
		MetricsHandler:      promhttp.Handler(),
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		CancelRatePerSecond: cfg.CancelRatePerSecond,
		CancelBurst:         cfg.CancelRateBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
