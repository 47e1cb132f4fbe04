package config

import (
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"  DEBUG  ", slog.LevelDebug},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	attr := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, attr)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace renders as %q", got.Value.String())
	}

	attr = slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	got = ReplaceLogLevelNames(nil, attr)
	if got.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Error("non-trace levels must pass through unchanged")
	}
}
