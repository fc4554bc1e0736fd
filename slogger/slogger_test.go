package slogger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
	}{
		{"debug level", "debug", LevelDebug},
		{"info level", "info", LevelInfo},
		{"warn level", "warn", LevelWarn},
		{"error level", "error", LevelError},
		{"uppercase", "ERROR", LevelError},
		{"mixed case", "DeBuG", LevelDebug},
		{"unknown", "chatty", DefaultLogLevel},
		{"empty", "", DefaultLogLevel},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, LevelFromString(tc.input))
		})
	}
}

func TestNilLogger(t *testing.T) {
	logger := NewNilLogger()
	logger.Debug("debug", "k", "v")
	logger.Info("info", "k", "v")
	logger.Warn("warn", "k", "v")
	logger.Error("error", "k", "v")
	require.IsType(t, &NilLogger{}, logger.With("k", "v"))
}

func TestSlogger(t *testing.T) {
	logger := New(LevelDebug)
	require.NotNil(t, logger)
	logger.Debug("debug", "k", "v")
	logger.Info("info", "k", "v")

	bound := logger.With("session", "s1")
	require.NotNil(t, bound)
	bound.Warn("warn")
}

func TestLoggerContext(t *testing.T) {
	logger := NewNilLogger()
	ctx := WithLogger(context.Background(), logger)
	require.Equal(t, logger, Ctx(ctx))

	// A context without a logger yields a usable default.
	require.NotNil(t, Ctx(context.Background()))
	require.NotNil(t, Ctx(nil))
}
