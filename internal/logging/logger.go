package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger configured for structured production
// logging. Debug level switches to the development config so interactive
// troubleshooting on a device stays readable.
func NewLogger(level string) (*zap.Logger, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	case "warn", "warning":
		return buildProduction(zapcore.WarnLevel)
	case "error":
		return buildProduction(zapcore.ErrorLevel)
	default:
		return buildProduction(zapcore.InfoLevel)
	}
}

func buildProduction(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
