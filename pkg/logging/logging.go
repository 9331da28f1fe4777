// Package logging builds the process-wide zap.Logger, grounded on the
// teacher's telemetry-agent main.go logger construction (production config,
// ISO8601 timestamps under an explicit "timestamp" key).
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level selects the minimum severity a logger emits.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// New builds a production-profile zap.Logger at the given level. A blank
// level defaults to info, matching the probe LogFlags default of
// bad+missing rather than full verbosity.
func New(level Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var zl zapcore.Level
	switch level {
	case "", LevelInfo:
		zl = zapcore.InfoLevel
	case LevelDebug:
		zl = zapcore.DebugLevel
	case LevelWarn:
		zl = zapcore.WarnLevel
	case LevelError:
		zl = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("logging: unknown level %q", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(zl)

	return cfg.Build()
}
