package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestParseLogLevel verifies that parseLogLevel handles case and whitespace
// and falls back to info for unknown names.
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		env    string
		expect zapcore.Level
	}{
		{"", zap.InfoLevel},
		{"INFO", zap.InfoLevel},
		{"DEBUG", zap.DebugLevel},
		{"WARN", zap.WarnLevel},
		{"warning", zap.WarnLevel},
		{"ERROR", zap.ErrorLevel},
		{"debug", zap.DebugLevel},
		{"  warn  ", zap.WarnLevel},
		{"invalid", zap.InfoLevel},
	}
	for _, tt := range tests {
		level := parseLogLevel(tt.env)
		if got := level.Level(); got != tt.expect {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.env, got, tt.expect)
		}
	}
}

func TestNewLoggerAt(t *testing.T) {
	logger, err := NewLoggerAt("debug")
	if err != nil {
		t.Fatalf("NewLoggerAt() error = %v", err)
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Error("NewLoggerAt(debug) should enable debug")
	}
	logger.Info("test message")
}

func TestLoggerFromContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	scoped := zap.New(core).With(zap.String("correlation_id", "abc"))

	ctx := WithLogger(context.Background(), scoped)
	LoggerFromContext(ctx, nil).Info("scoped")

	entries := logs.FilterMessage("scoped").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["correlation_id"]; got != "abc" {
		t.Errorf("correlation_id = %v, want abc", got)
	}
}

func TestLoggerFromContext_Fallback(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	fallback := zap.New(core)

	LoggerFromContext(context.Background(), fallback).Info("fallback")
	if logs.Len() != 1 {
		t.Errorf("fallback logger entries = %d, want 1", logs.Len())
	}

	if LoggerFromContext(context.Background(), nil) == nil {
		t.Error("LoggerFromContext with nil fallback returned nil")
	}
}

func TestFlushTelemetry(t *testing.T) {
	if err := FlushTelemetry(context.Background(), nil); err != nil {
		t.Errorf("FlushTelemetry(nil logger) error = %v", err)
	}
	if err := FlushTelemetry(context.Background(), zap.NewNop()); err != nil {
		t.Errorf("FlushTelemetry(nop) error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := FlushTelemetry(ctx, zap.NewNop()); err == nil {
		t.Error("FlushTelemetry with cancelled context error = nil, want error")
	}
}
