package logging

import (
	"log/slog"
	"os"
	"strings"
)

// LevelEnvVar sets the log level when no explicit level is given, so
// pipeline stages and scripts can turn on debug logging without flags.
const LevelEnvVar = "CARAVEL_LOG_LEVEL"

var logger *slog.Logger

// Init initializes the global structured logger. An empty level falls back
// to CARAVEL_LOG_LEVEL, then to info.
func Init(level string) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// ParseLevel maps a level name to its slog level. Unrecognized names are
// treated as info.
func ParseLevel(level string) slog.Level {
	if level == "" {
		level = os.Getenv(LevelEnvVar)
	}
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the global logger instance.
func Logger() *slog.Logger {
	if logger == nil {
		Init("")
	}
	return logger
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}
