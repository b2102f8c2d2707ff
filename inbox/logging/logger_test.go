package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_InfoLevel(t *testing.T) {
	logger := New("info")
	assert.NotNil(t, logger)
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug")
	assert.NotNil(t, logger)
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error")
	assert.NotNil(t, logger)
}

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("unknown")
	assert.NotNil(t, logger)
}

func TestNewJSON(t *testing.T) {
	logger := NewJSON("info")
	assert.NotNil(t, logger)
}

func TestParseLevel_CaseInsensitive(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{"lowercase debug", "debug", slog.LevelDebug},
		{"uppercase DEBUG", "DEBUG", slog.LevelDebug},
		{"mixed cAsE", "DeBuG", slog.LevelDebug},
		{"lowercase info", "info", slog.LevelInfo},
		{"uppercase INFO", "INFO", slog.LevelInfo},
		{"lowercase warn", "warn", slog.LevelWarn},
		{"lowercase error", "error", slog.LevelError},
		{"uppercase ERROR", "ERROR", slog.LevelError},
		{"unknown", "unknown", slog.LevelInfo},
		{"empty", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level := parseLevel(tt.input)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	h := &PrettyHandler{opts: &slog.HandlerOptions{Level: slog.LevelWarn}}
	assert.False(t, h.Enabled(nil, slog.LevelInfo))
	assert.True(t, h.Enabled(nil, slog.LevelWarn))
	assert.True(t, h.Enabled(nil, slog.LevelError))
}
