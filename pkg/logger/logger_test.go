package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojokv.log")
	logger, closeFn, err := New(Config{Level: "warn", Format: "json", OutputFile: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", zap.Uint64("txid", 7))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "WARN", entry["level"])
	require.Equal(t, "gojokv", entry["service"])
	require.EqualValues(t, 7, entry["txid"])
}

func TestNew_Off(t *testing.T) {
	logger, closeFn, err := New(Config{OutputFile: "off"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.ErrorLevel))
	require.NoError(t, closeFn())
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	logger, closeFn, err := New(Config{Level: "chatty", OutputFile: "stdout"})
	require.NoError(t, err)
	defer closeFn()
	require.True(t, logger.Core().Enabled(zap.InfoLevel))
	require.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNew_UnwritableFile(t *testing.T) {
	_, _, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
}
