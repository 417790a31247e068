package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/mailroute/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("WARNING"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestInitialize_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailroute.log")

	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)
	t.Cleanup(func() {
		f.Close()
		globalLogger = nil
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	})

	Info("Forwarded message", "recipient", "sally@my-domain.com")
	Debug("Resolved target", "target", "sally")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Forwarded message"`)
	assert.Contains(t, string(data), `"recipient":"sally@my-domain.com"`)
	assert.Contains(t, string(data), `"target":"sally"`)
}

func TestInitialize_StderrDefaults(t *testing.T) {
	f, err := Initialize(config.LoggingConfig{})
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.NotNil(t, Get())
	t.Cleanup(func() { globalLogger = nil })
}
