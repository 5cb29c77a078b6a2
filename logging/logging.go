// Package logging builds the zap logger shared by every component.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 30
)

type Config struct {
	// Development switches the console to a colored, human-readable encoder at debug level.
	Development bool

	// FilePath enables a rotating JSON log file when set.
	FilePath string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Console overrides os.Stdout.
	Console io.Writer
}

// New returns a logger that tees the console with an optional rotating file.
func New(cfg Config) *zap.Logger {
	level := zapcore.InfoLevel
	if cfg.Development {
		level = zapcore.DebugLevel
	}

	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	var consoleEncoder zapcore.Encoder
	if cfg.Development {
		consoleEncoder = zapcore.NewConsoleEncoder(consoleEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig())
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(console), level),
	}

	if cfg.FilePath != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(newFileWriter(cfg)),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func newFileWriter(cfg Config) *lumberjack.Logger {
	writer := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	if writer.MaxSize == 0 {
		writer.MaxSize = DefaultMaxSizeMB
	}

	if writer.MaxBackups == 0 {
		writer.MaxBackups = DefaultMaxBackups
	}

	if writer.MaxAge == 0 {
		writer.MaxAge = DefaultMaxAgeDays
	}

	return writer
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := encoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")

	return cfg
}
