package logger

import (
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	log  *zap.Logger
	once sync.Once
)

// Options configures the global logger.
type Options struct {
	Debug bool
	// File enables a rotated JSON log next to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitWithOptions initializes the global logger once; later calls are ignored.
func InitWithOptions(opts Options) {
	once.Do(func() {
		Set(build(opts))
	})
}

func build(opts Options) *zap.Logger {
	level := zapcore.InfoLevel
	encoderConfig := zap.NewProductionEncoderConfig()
	if opts.Debug {
		level = zapcore.DebugLevel
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stderr), level),
	}

	if opts.File != "" {
		rotate := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 30),
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotate),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Set replaces the global logger, e.g. with zaptest loggers in tests.
func Set(l *zap.Logger) {
	mu.Lock()
	log = l
	mu.Unlock()
}

// Get returns the global logger
func Get() *zap.Logger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l == nil {
		InitWithOptions(Options{Debug: false})
		mu.RLock()
		l = log
		mu.RUnlock()
	}
	return l
}

// Named returns a child logger for one component.
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

// Sync flushes any buffered log entries
func Sync() {
	if l := Get(); l != nil {
		_ = l.Sync()
	}
}
