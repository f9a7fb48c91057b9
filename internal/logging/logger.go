// Package logging builds the service zap loggers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development (colored console) or
// production (JSON). fields are attached to every entry.
func New(development bool, fields ...zap.Field) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build(zap.Fields(fields...))
	if err != nil {
		return nil, fmt.Errorf("build logger (development=%t): %w", development, err)
	}
	return logger, nil
}

// Component returns a child logger named for one subsystem. A nil parent
// yields a no-op logger.
func Component(parent *zap.Logger, name string) *zap.Logger {
	if parent == nil {
		return zap.NewNop()
	}
	return parent.Named(name)
}

// RedirectStdLog sends the standard library logger through logger at info
// level and returns a function restoring the previous output.
func RedirectStdLog(logger *zap.Logger) func() {
	return zap.RedirectStdLog(logger)
}
