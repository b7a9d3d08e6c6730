package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestLogger_SetLogLevelAppliesToComponents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "error")
	component := l.WithComponent("correlation")

	component.Info("hidden")
	assert.Zero(t, buf.Len())

	l.SetLogLevel("debug")
	buf.Reset()
	component.Debug("visible", "subject_id", "s1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "correlation", entry["component"])
	assert.Equal(t, "integrityd", entry["service"])
	assert.Equal(t, "s1", entry["subject_id"])
}
