package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger named "mirip". When debug is true it uses the
// development config (human-readable, debug level); otherwise the production
// config (JSON, info level) with ISO8601 timestamps.
func NewLogger(debug bool, opts ...zap.Option) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := cfg.Build(opts...)
	if err != nil {
		return nil, err
	}
	return logger.Named("mirip"), nil
}

// Component returns a child logger for a named subsystem, or a no-op logger when
// logger is nil.
func Component(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(name)
}
