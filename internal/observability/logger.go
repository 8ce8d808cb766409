// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process logger. It is a no-op until InitCLILogger runs,
// so packages and tests stay silent by default.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a stderr logger at level.
// json selects the production JSON encoder; otherwise a console encoder
// is used.
func InitCLILogger(level string, json bool) error {
	logger, err := NewLogger(level, json)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// NewLogger builds a stderr logger without touching CLILogger.
func NewLogger(level string, json bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if json {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
