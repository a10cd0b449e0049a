package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnceWritesCursors(t *testing.T) {
	t.Setenv("GOOGLE_ACCESS_TOKEN", "")
	t.Setenv("SLACK_TOKEN", "")
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	cfgPath := filepath.Join(dir, "episodesync.yaml")
	content := "group_id: daemon\nstate_dsn: " + stateDir + "\nsink_dsn: memory://\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	err := run(context.Background(), daemonOptions{
		configPath: cfgPath,
		envFile:    filepath.Join(dir, "missing.env"),
		once:       true,
	}, io.Discard)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(stateDir, "state.json"))
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, source := range []string{"gmail", "drive", "calendar", "slack"} {
		assert.Contains(t, doc[source], "last_run_at", "source %s", source)
	}
	assert.Equal(t, "noop", doc["gmail"]["last_history_id"])
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "episodesync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("group_id: \"\"\n"), 0o600))
	err := run(context.Background(), daemonOptions{configPath: cfgPath, envFile: filepath.Join(dir, "none.env"), once: true}, io.Discard)
	assert.Error(t, err)
}

func TestListenAddr(t *testing.T) {
	assert.Equal(t, ":8765", listenAddr("", ":8765"))
	assert.Equal(t, "127.0.0.1:9000", listenAddr("127.0.0.1:9000", ":8765"))
	assert.Empty(t, listenAddr("OFF", ":8765"))
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("EPISODESYNC_TEST_BOOL", "false")
	assert.False(t, boolEnv("EPISODESYNC_TEST_BOOL", true))
	t.Setenv("EPISODESYNC_TEST_BOOL_BAD", "maybe")
	assert.True(t, boolEnv("EPISODESYNC_TEST_BOOL_BAD", true))
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("EPISODESYNC_TEST_DURATION_BAD", "soon")
	assert.Equal(t, 2*time.Second, durationEnv("EPISODESYNC_TEST_DURATION_BAD", 2*time.Second))
}

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("EPISODESYNC_TEST_FLOAT", "0.35")
	assert.Equal(t, 0.35, floatEnv("EPISODESYNC_TEST_FLOAT", 0.1))
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Zero(t, jitteredIntervalWithSample(0, 0.2, 0.5))
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
}

func TestSleepContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
