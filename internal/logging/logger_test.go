package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestParseLevel_EnvFallback(t *testing.T) {
	t.Setenv(LevelEnvVar, "debug")
	assert.Equal(t, slog.LevelDebug, ParseLevel(""))

	// An explicit level wins over the environment.
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
}

func TestParseLevel_EmptyDefaultsToInfo(t *testing.T) {
	t.Setenv(LevelEnvVar, "")
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
