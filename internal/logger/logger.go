// Package logger builds the zap loggers used across the watcher.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger for the given level and format. Format is "json" or
// "console"; console output uses colored capital levels for local runs.
func New(level, format string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}

	atomicLevel := zap.NewAtomicLevel()
	if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var config zap.Config
	switch format {
	case "json":
		config = zap.NewProductionConfig()
	case "console":
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	config.Level = atomicLevel

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// NewDevelopment builds a console logger at debug level. Errors in the
// fixed development config are unreachable.
func NewDevelopment() *zap.Logger {
	logger, err := New("debug", "console")
	if err != nil {
		panic(err)
	}
	return logger
}
