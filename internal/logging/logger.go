package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger. Format "console" selects the human-readable
// development encoder used by the CLI; anything else logs production JSON.
func NewLogger(level, format string) (*zap.Logger, error) {
	parsedLevel := zapcore.InfoLevel
	if trimmed := strings.ToLower(strings.TrimSpace(level)); trimmed != "" {
		if trimmed == "warning" {
			trimmed = "warn"
		}
		if err := parsedLevel.UnmarshalText([]byte(trimmed)); err != nil {
			return nil, fmt.Errorf("logging: unknown level %q", level)
		}
	}

	cfg := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	return cfg.Build()
}
