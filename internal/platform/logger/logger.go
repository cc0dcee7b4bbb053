package logger

import (
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New returns a structured JSON logger. Callers log through slog; zap does the
// encoding and sampling. The returned func flushes buffered entries.
func New(level, environment string) (*slog.Logger, func(), error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.InitialFields = map[string]any{"service": "securebase", "environment": environment}

	z, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build zap logger: %w", err)
	}

	sync := func() { _ = z.Sync() } //nolint:errcheck // stdout sync errors are not actionable
	return slog.New(zapslog.NewHandler(z.Core())), sync, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(zapslog.NewHandler(zapcore.NewNopCore()))
}
