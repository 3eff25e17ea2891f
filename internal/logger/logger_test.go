package logger_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"fireline/internal/logger"
)

func TestNewParsesLevel(t *testing.T) {
	l := logger.New(logger.Config{Level: "warn", Encoding: "console"})
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Core().Enabled(zapcore.WarnLevel))

	fallback := logger.New(logger.Config{Level: "loud"})
	require.True(t, fallback.Core().Enabled(zapcore.InfoLevel))
	require.False(t, fallback.Core().Enabled(zapcore.DebugLevel))
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, logger.OrNop(nil))
	require.NotNil(t, logger.Incident(nil, "inc-1"))
}
