package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Levels(t *testing.T) {
	logger, err := NewLogger("warn", true)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = NewLogger("debug", false)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestInitCLILogger_RejectsUnknownLevel(t *testing.T) {
	prev := CLILogger
	t.Cleanup(func() { CLILogger = prev })

	require.Error(t, InitCLILogger("chatty", false))
	assert.Same(t, prev, CLILogger)
}

func TestInitCLILogger_ReplacesLogger(t *testing.T) {
	prev := CLILogger
	t.Cleanup(func() { CLILogger = prev })
	CLILogger = zap.NewNop()

	require.NoError(t, InitCLILogger("error", true))
	assert.True(t, CLILogger.Core().Enabled(zapcore.ErrorLevel))
	assert.False(t, CLILogger.Core().Enabled(zapcore.InfoLevel))
}
