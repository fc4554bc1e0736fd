// Package slogger provides the leveled, structured logging interface used
// throughout the runtime. Components accept a Logger rather than constructing
// one, so tests can pass a NilLogger and hosts can supply their own.
package slogger

import (
	"context"
	"strings"
)

// DefaultLogger is used by components that were not given a logger.
var DefaultLogger Logger = NewNilLogger()

// Logger is the logging interface for the runtime. It supports structured
// key-value logging and is compatible with slog-style backends.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// With returns a Logger with the given key-value pairs bound.
	With(keysAndValues ...any) Logger
}

type contextKey string

const loggerKey contextKey = "dexto.logger"

// WithLogger returns a new context carrying the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns the logger stored in ctx, or a new default-level logger.
func Ctx(ctx context.Context) Logger {
	if ctx == nil {
		return New(DefaultLogLevel)
	}
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return New(DefaultLogLevel)
}

// LevelFromString converts a string such as "warn" to a LogLevel.
// Unrecognized values map to DefaultLogLevel.
func LevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return DefaultLogLevel
	}
}

// NilLogger implements Logger and discards everything.
type NilLogger struct{}

// NewNilLogger returns a Logger that discards all output.
func NewNilLogger() *NilLogger {
	return &NilLogger{}
}

func (l *NilLogger) Debug(msg string, keysAndValues ...any) {}
func (l *NilLogger) Info(msg string, keysAndValues ...any)  {}
func (l *NilLogger) Warn(msg string, keysAndValues ...any)  {}
func (l *NilLogger) Error(msg string, keysAndValues ...any) {}
func (l *NilLogger) With(keysAndValues ...any) Logger       { return l }
