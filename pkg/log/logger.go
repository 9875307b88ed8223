// Package log exposes the structured logger shared by the web application.
package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger represents the subset of logging behaviour used across the service.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

var (
	once       sync.Once
	shared     *zap.SugaredLogger
	syncLogger = func() error { return nil }
	mu         sync.Mutex
)

// Shared returns a lazily initialised structured logger.
func Shared() *zap.SugaredLogger {
	once.Do(func() {
		base, err := productionConfig(zapcore.InfoLevel).Build()
		if err != nil {
			panic(err)
		}
		setShared(base)
	})

	mu.Lock()
	defer mu.Unlock()
	return shared
}

// Configure replaces the shared logger with one emitting at the given level.
// Unknown levels fall back to info.
func Configure(level string) (*zap.SugaredLogger, error) {
	base, err := New(level)
	if err != nil {
		return nil, err
	}
	once.Do(func() {})
	setShared(base.Desugar())
	return base, nil
}

// New builds a standalone production logger at the requested level.
func New(level string) (*zap.SugaredLogger, error) {
	base, err := productionConfig(parseLevel(level)).Build()
	if err != nil {
		return nil, err
	}
	return base.Sugar(), nil
}

// NewNop returns a logger that discards everything.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.Lock()
	fn := syncLogger
	mu.Unlock()

	if err := fn(); err != nil {
		if strings.Contains(err.Error(), "bad file descriptor") || strings.Contains(err.Error(), "invalid argument") {
			return nil
		}
		return err
	}
	return nil
}

func setShared(base *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	shared = base.Sugar()
	syncLogger = base.Sync
}

func productionConfig(level zapcore.Level) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func parseLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
