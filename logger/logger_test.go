package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLevels(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, getLoggerLevel("DEBUG"))
	require.Equal(t, zapcore.WarnLevel, getLoggerLevel("warn"))
	require.Equal(t, zapcore.InfoLevel, getLoggerLevel("nonsense"))
}

func TestSetLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))
	defer SetLogger(zap.NewNop())

	Debugw("hidden")
	Warnw("heartbeat failed", "txn", 7)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "heartbeat failed", entry.Message)
	require.Equal(t, int64(7), entry.ContextMap()["txn"])
}

func TestInitLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.log")
	require.NoError(t, InitLogger(path, "info"))
	defer SetLogger(zap.NewNop())
	Info("started")
	Sync()
	require.FileExists(t, path)
}
