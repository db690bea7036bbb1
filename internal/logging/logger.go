package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instanceIDField = "instance_id"

// NewLogger returns a zap logger configured for structured production logging.
// Every entry is stamped with the emitting instance so cross-instance delivery can be traced.
func NewLogger(level string, instanceID string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	if trimmed := strings.TrimSpace(instanceID); trimmed != "" {
		cfg.InitialFields = map[string]interface{}{instanceIDField: trimmed}
	}

	return cfg.Build()
}

// ParseLevel maps a configured level name onto a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
