package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"table-sync-service/internal/config"
)

func TestInitLoggerWritesToFile(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "sync.log")
	require.NoError(t, InitLogger(config.LoggingConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1}))

	Log.Info("session finished", zap.String("table", "orders"))
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"table":"orders"`)
	assert.Contains(t, string(data), "session finished")
}

func TestInitLoggerRejectsBadInput(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	assert.Error(t, InitLogger(config.LoggingConfig{Level: "loud"}))
	assert.Error(t, InitLogger(config.LoggingConfig{Level: "info", Format: "xml"}))
}
