// Package logger builds the zap logger used across every hot tub
// controller component and the field helpers that keep log lines
// consistent between the CLI, the daemon, and their tests.
package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// New creates a zap logger at the given level, writing JSON to the
// given output paths ("stdout" if none given).
func New(level string, outputPaths []string) (*zap.Logger, error) {
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.Config{
		Level:            zapLevel,
		Development:      false,
		Encoding:         "json",
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    zap.NewProductionEncoderConfig(),
	}

	built, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return built, nil
}

// NoopOrDefault returns logger if non-nil, else a production default.
// Every collaborator constructor uses this so a nil logger never panics.
func NoopOrDefault(logger *zap.Logger) *zap.Logger {
	if logger != nil {
		return logger
	}
	fallback, _ := zap.NewProduction()
	return fallback
}

// WithComponent tags a logger with the owning component's name.
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithJob tags a logger with a job ID.
func WithJob(logger *zap.Logger, jobID string) *zap.Logger {
	return logger.With(zap.String("job_id", jobID))
}

// WithTick tags a logger with the tick's target wake-up time, in unix seconds.
func WithTick(logger *zap.Logger, wakeUpUnix int64) *zap.Logger {
	return logger.With(zap.Int64("wake_up_unix", wakeUpUnix))
}
