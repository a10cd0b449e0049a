package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithSubsystem(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Writer: &buf})
	require.NoError(t, err)

	Subsystem(l, "scheduler").Printf("job %s done", "google")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "scheduler", entry["subsystem"])
	assert.Equal(t, "job google done", entry["message"])
	assert.Equal(t, "debug", entry["level"])
	assert.Contains(t, entry, "time")
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "WARN", Writer: &buf})
	require.NoError(t, err)

	l.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	l.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestPrinterLogsAtInfo(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Writer: &buf})
	require.NoError(t, err)

	Printer{L: *Subsystem(l, "pollers")}.Printf("source=%s processed=%d", "slack", 4)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "pollers", entry["subsystem"])
	assert.Equal(t, "source=slack processed=4", entry["message"])
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Format: "console", Writer: &buf})
	require.NoError(t, err)

	l.Info().Str("source", "gmail").Msg("run finished")
	out := buf.String()
	assert.Contains(t, out, "run finished")
	assert.Contains(t, out, "source=gmail")
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b", Truncate(" a\nb ", 10))
	assert.Equal(t, "héll...", Truncate("héllo", 4))
	assert.Equal(t, "abc", Truncate("abc", 0))
}
