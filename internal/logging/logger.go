// Package logging builds the zap loggers and the tamper-evident audit log
// shared by every component.
package logging

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger configuration constants
const (
	DefaultLogLevel    = "info"
	DefaultLogFileSize = 100 // MB
	DefaultMaxBackups  = 10
	DefaultMaxAge      = 30 // days
)

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`

	// OutputPath enables rotation through lumberjack; empty means stdout
	OutputPath string `yaml:"output_path"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`

	EnableSampling bool `yaml:"enable_sampling"`

	NodeID    string `yaml:"node_id"`
	Component string `yaml:"component"`
}

// DefaultLogConfig returns defaults, overridden by LOG_* environment variables
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:          getEnvOrDefault("LOG_LEVEL", DefaultLogLevel),
		Development:    getEnvOrDefault("ENVIRONMENT", "production") == "development",
		OutputPath:     getEnvOrDefault("LOG_FILE_PATH", ""),
		MaxSize:        getEnvAsIntOrDefault("LOG_MAX_SIZE", DefaultLogFileSize),
		MaxBackups:     getEnvAsIntOrDefault("LOG_MAX_BACKUPS", DefaultMaxBackups),
		MaxAge:         getEnvAsIntOrDefault("LOG_MAX_AGE", DefaultMaxAge),
		Compress:       getEnvAsBoolOrDefault("LOG_COMPRESS", true),
		EnableSampling: true,
		NodeID:         getEnvOrDefault("NODE_ID", ""),
		Component:      "bondberry",
	}
}

// NewLogger builds a zap logger from config. An unparsable level falls
// back to info.
func NewLogger(config LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := buildCore(config, encoderConfig, zap.NewAtomicLevelAt(level))
	if config.EnableSampling {
		core = zapcore.NewSamplerWithOptions(
			core,
			time.Second,
			100, // first 100 messages per second
			10,  // thereafter 10 messages per second
		)
	}

	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if config.NodeID != "" {
		logger = logger.With(zap.String("node_id", config.NodeID))
	}
	if config.Component != "" {
		logger = logger.With(zap.String("component", config.Component))
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func buildCore(config LogConfig, encoderConfig zapcore.EncoderConfig, level zap.AtomicLevel) zapcore.Core {
	var encoder zapcore.Encoder
	if config.Development {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	if config.OutputPath != "" {
		writer := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		return zapcore.NewCore(encoder, zapcore.AddSync(writer), level)
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
