// Package observability holds the process-wide loggers.
//
// Commands log through CLILogger: human-oriented console output on
// stderr by default, structured JSON when configured for service use.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process logger. It is a no-op until Init runs so that
// packages can log unconditionally.
var CLILogger = zap.NewNop()

// Init configures CLILogger. level is a zap level name ("debug", "info",
// "warn", "error"); profile selects the output encoding: "cli" for
// console output, "structured" for JSON.
func Init(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch profile {
	case "", "cli":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "structured":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	CLILogger = logger
	return logger, nil
}

// Sync flushes buffered log entries. Safe to call on exit paths.
func Sync() {
	_ = CLILogger.Sync()
}
