package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestGetLogFormat(t *testing.T) {
	t.Setenv("LOG_FORMAT", "JSON")
	assert.Equal(t, "json", getLogFormat())

	t.Setenv("LOG_FORMAT", "yaml")
	assert.Equal(t, "text", getLogFormat())
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo, "json"))

	logger.Debug("bridge.link.connecting", "component", "bridge")
	logger.Info("bridge.link.connected", "component", "bridge", "event", "link.connected")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record), "exactly one JSON record: %s", buf.String())
	assert.Equal(t, "bridge.link.connected", record["msg"])
	assert.Equal(t, "link.connected", record["event"])
	assert.Contains(t, record, "source")
}

func TestNewHandler_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelDebug, "text"))

	logger.Debug("bridge.link.retry_scheduled", "delay", "1s")
	assert.Contains(t, buf.String(), "msg=bridge.link.retry_scheduled")
	assert.Contains(t, buf.String(), "delay=1s")
}
