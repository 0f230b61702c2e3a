package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.OperationTimeout != 30*time.Second {
		t.Errorf("expected 30s operation timeout, got %s", cfg.OperationTimeout)
	}
	if cfg.VerifyTimeout != 10*time.Second {
		t.Errorf("expected 10s verify timeout, got %s", cfg.VerifyTimeout)
	}
	if cfg.CancelRateBurst != 5 {
		t.Errorf("expected burst 5, got %d", cfg.CancelRateBurst)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("OPERATION_TIMEOUT", "45s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("CANCEL_RATE_PER_SECOND", "0.5")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.OperationTimeout != 45*time.Second {
		t.Errorf("expected 45s, got %s", cfg.OperationTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://admin.example.com" {
		t.Errorf("unexpected origins: %v", cfg.CORSAllowedOrigins)
	}
	if cfg.CancelRatePerSecond != 0.5 {
		t.Errorf("expected 0.5, got %f", cfg.CancelRatePerSecond)
	}
}
