// Package monitoring holds the diagnostic logging hooks shared by the device
// clients and the orchestrator.
package monitoring

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Prefixed returns a logf that prepends "[component] " to every message and
// forwards to the package logger at call time, so a later SetLogger still
// takes effect.
func Prefixed(component string) func(format string, v ...interface{}) {
	prefix := "[" + component + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// NewFileLogger builds a zap logger that appends JSON lines to path and mirrors
// them to stderr. The file is truncated on open so each session starts clean.
func NewFileLogger(path string, verbose bool) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("failed to truncate log file %s: %w", path, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path, "stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Logfunc adapts a zap logger to the printf-style signature carried by the
// clients.
func Logfunc(l *zap.Logger) func(format string, v ...interface{}) {
	if l == nil {
		return Logf
	}
	sugar := l.Sugar()
	return func(format string, v ...interface{}) {
		sugar.Infof(format, v...)
	}
}
