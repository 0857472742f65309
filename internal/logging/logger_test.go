package logging

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	logger.Info("development logger ready")
	require.NoError(t, Sync(logger))
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	logger.Info("production logger ready")
	require.NoError(t, Sync(logger))
}

func TestSyncNil(t *testing.T) {
	t.Parallel()

	require.NoError(t, Sync(nil))
}

func TestConsoleSyncErrorsAreIgnored(t *testing.T) {
	t.Parallel()

	require.True(t, isConsoleSyncError(syscall.EINVAL))
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core).With(zap.String("service", serviceName))
	logger.Info("hello")
	require.Equal(t, 1, logs.Len())
	require.Equal(t, serviceName, logs.All()[0].ContextMap()["service"])
}
