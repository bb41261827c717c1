package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: FormatJSON, Output: &buf})

	hubLogger := Component(logger, "hub")
	hubLogger.Info().Str("identity", "alice").Msg("connected")
	logger.Debug().Msg("hidden")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "chatrelay", entry["service"])
	assert.Equal(t, "hub", entry["component"])
	assert.Equal(t, "alice", entry["identity"])
	assert.Equal(t, "connected", entry["message"])
	assert.Contains(t, entry, "time")
	assert.Contains(t, entry, "caller")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestLogErrorWithStack(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Output: &buf})

	LogErrorWithStack(logger, errors.New("boom"), "Handler panicked", map[string]any{"event": "typing"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "typing", entry["event"])
	assert.Contains(t, entry["stack_trace"], "goroutine")
}
