package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRenamesKeysAndTagsService(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(Options{Service: " floord ", Env: "test", Output: &buf})
	defer closer.Close()

	logger.Info("pool created", slog.String("pool", "flr"))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "pool created", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "floord", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "flr", line["pool"])
	require.Contains(t, line, "timestamp")
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Service: "floord", Output: &buf, Level: slog.LevelWarn})
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floord.log")
	var buf bytes.Buffer
	logger, closer := New(Options{Service: "floord", Output: &buf, File: path})
	logger.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, buf.String(), string(data))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("Authorization", "Bearer secret").Value.String())
	require.Equal(t, "flr", MaskField("pool", "flr").Value.String())
	require.Equal(t, " ", MaskField("authorization", " ").Value.String())
	require.Equal(t, "", MaskValue(""))
	require.Equal(t, RedactedValue, MaskValue("token"))
	require.True(t, IsSensitive("API-Token"))
	require.True(t, IsSensitive("X-Api-Key"))
	require.False(t, IsSensitive("request_id"))
}

func TestHandlerRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Service: "floord", Output: &buf})
	logger.Info("admin call", slog.String("api_token", "hunter2"), slog.Int("token", 7))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, RedactedValue, line["api_token"])
	require.EqualValues(t, 7, line["token"])
	require.NotContains(t, buf.String(), "hunter2")
}
