package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: JSON to stderr, ISO-8601 timestamps,
// level taken from LOG_LEVEL (debug, info, warn, error; defaults to info).
// Request handlers get a child of this logger with the correlation ID
// attached via middleware.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = logLevelFromEnv(os.Getenv("LOG_LEVEL"))
	return cfg.Build()
}

// logLevelFromEnv parses a LOG_LEVEL value, falling back to info on anything
// zap does not recognize. An empty or garbage value must not prevent startup.
func logLevelFromEnv(raw string) zap.AtomicLevel {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return lvl
}
