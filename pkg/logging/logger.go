// Package logging wraps zap for every component of the offline cache.
// Components log through Named children of the global logger, which is a
// no-op until the process installs a real one.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger
type Logger struct {
	*zap.Logger
}

// Config holds logging configuration
type Config struct {
	// Level is the log level (debug, info, warn, error, dpanic, panic, fatal)
	Level string `yaml:"level"`
	// Format is the log format (json or console)
	Format string `yaml:"format"`
	// OutputPaths is a list of paths to write logs to
	OutputPaths []string `yaml:"outputPaths"`
	// ErrorOutputPaths is a list of paths to write internal logger errors to
	ErrorOutputPaths []string `yaml:"errorOutputPaths"`
	// Development enables development mode (DPanic logs will panic)
	Development bool `yaml:"development"`
	// EnableCaller enables caller information in logs
	EnableCaller bool `yaml:"enableCaller"`
	// EnableStacktrace enables stack traces for error logs
	EnableStacktrace bool `yaml:"enableStacktrace"`
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// DevelopmentConfig returns a configuration for development
func DevelopmentConfig() Config {
	return Config{
		Level:            "debug",
		Format:           "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		Development:      true,
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// NewLogger creates a new logger with the given configuration
func NewLogger(config Config) (*Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	if config.Format == "" {
		config.Format = "json"
	}
	if config.Format != "json" && config.Format != "console" {
		return nil, fmt.Errorf("logging: unknown format %q", config.Format)
	}
	if len(config.OutputPaths) == 0 {
		config.OutputPaths = []string{"stdout"}
	}
	if len(config.ErrorOutputPaths) == 0 {
		config.ErrorOutputPaths = []string{"stderr"}
	}

	var encoderConfig zapcore.EncoderConfig
	if config.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.EnableCaller,
		DisableStacktrace: !config.EnableStacktrace,
		Encoding:          config.Format,
		EncoderConfig:     encoderConfig,
		OutputPaths:       config.OutputPaths,
		ErrorOutputPaths:  config.ErrorOutputPaths,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{logger}, nil
}

// ApplyEnv overrides config from the environment:
// OFFLINECACHE_LOG_LEVEL, OFFLINECACHE_LOG_FORMAT and OFFLINECACHE_LOG_DEV=true.
func ApplyEnv(config Config) Config {
	if os.Getenv("OFFLINECACHE_LOG_DEV") == "true" {
		config = DevelopmentConfig()
	}
	if level := os.Getenv("OFFLINECACHE_LOG_LEVEL"); level != "" {
		config.Level = level
	}
	if format := os.Getenv("OFFLINECACHE_LOG_FORMAT"); format != "" {
		config.Format = format
	}
	return config
}

// NewLoggerFromEnv creates a logger from the defaults and the environment.
func NewLoggerFromEnv() (*Logger, error) {
	return NewLogger(ApplyEnv(DefaultConfig()))
}

// NewNoOpLogger creates a logger that discards all logs
func NewNoOpLogger() *Logger {
	return &Logger{zap.NewNop()}
}

// ParseLevel converts a level name to a zapcore.Level. An empty name is info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "dpanic":
		return zapcore.DPanicLevel, nil
	case "panic":
		return zapcore.PanicLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", level)
	}
}

// With creates a child logger with additional fields
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Named creates a child logger with a name
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(NewNoOpLogger())
}

// SetGlobal sets the global logger instance. Components pick it up when they
// are constructed, so set it before building them.
func SetGlobal(logger *Logger) {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	global.Store(logger)
}

// Global returns the global logger instance
func Global() *Logger {
	return global.Load()
}

// L returns the global logger instance (short form)
func L() *Logger {
	return Global()
}
