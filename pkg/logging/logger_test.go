package logging

import (
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := New(tt.level)
			if logger == nil {
				t.Fatal("expected logger, got nil")
			}
			if !logger.Enabled(nil, tt.want) {
				t.Errorf("level %q: expected %v to be enabled", tt.level, tt.want)
			}
		})
	}
}

func TestNewTextRespectsLevel(t *testing.T) {
	logger := NewText("error")
	if logger.Enabled(nil, slog.LevelWarn) {
		t.Error("expected warn to be disabled at error level")
	}
	if !logger.Enabled(nil, slog.LevelError) {
		t.Error("expected error to be enabled")
	}
}

func TestComponent(t *testing.T) {
	logger := Default().Component("ledger")
	if logger == nil || logger.Logger == nil {
		t.Fatal("expected component logger")
	}
}
