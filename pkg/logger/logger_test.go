package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_SimpleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, "simple")

	l.Info("store degraded", "op", "incr")
	l.Debug("hidden")

	assert.Equal(t, "INFO store degraded op=incr\n", buf.String())
}

func TestNew_WithAttrsCarried(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelDebug, "simple").With("component", "ratelimit")

	l.Warn("limit reached")

	assert.Equal(t, "WARN limit reached component=ratelimit\n", buf.String())
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, "json")

	l.Warn("config reload failed", "path", "gate.yaml")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "config reload failed", rec["msg"])
	assert.Equal(t, "gate.yaml", rec["path"])
}
