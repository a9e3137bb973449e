package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatText, ParseFormat("TINT"))
	assert.Equal(t, FormatJSON, ParseFormat("json"))
	assert.Equal(t, FormatAuto, ParseFormat("yaml"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

// A buffer is never a terminal, so auto picks JSON.
func TestAutoIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, FormatAuto, slog.LevelInfo)).Info("status changed", "to", "ATTACHED")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "status changed", rec["msg"])
	assert.Equal(t, "ATTACHED", rec["to"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, FormatJSON, slog.LevelWarn))
	l.Info("dropped")
	assert.Zero(t, buf.Len())
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, FormatText, slog.LevelInfo)).Info("peer found", "peer", "0x3a00004")
	assert.Contains(t, buf.String(), "peer found")
	assert.Contains(t, buf.String(), "0x3a00004")
}
