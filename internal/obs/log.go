package obs

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.Mutex
	logger   *zap.Logger
)

// InitLogger builds the shared structured logger. Environment "dev" selects a
// console encoder; anything else emits JSON lines.
func InitLogger(environment, level string) error {
	var cfg zap.Config
	if environment == "dev" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	built, err := cfg.Build()
	if err != nil {
		return err
	}
	loggerMu.Lock()
	logger = built
	loggerMu.Unlock()
	return nil
}

// Logger returns the shared logger. Before InitLogger it falls back to a
// no-op logger so library code can log unconditionally.
func Logger() *zap.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

// SetLogger swaps the shared logger. Intended for tests.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Logger().Sync()
}
