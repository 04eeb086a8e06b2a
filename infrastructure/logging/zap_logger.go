// Package logging builds the zap logger shared by the CLI and the pipeline.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures New.
type Config struct {
	// FilePath receives JSON logs through a size-based rotator.
	// Empty logs to the console only.
	FilePath string
	// Level is debug, info, warn or error. Empty means info.
	Level string
	// Production switches the console encoder to JSON.
	Production bool
	// Console overrides the console sink, os.Stderr by default.
	Console io.Writer
}

// Rotation limits for the log file.
const (
	maxSizeMB  = 10
	maxBackups = 5
	maxAgeDays = 30
)

// New builds a logger that tees a JSON file core with a console core.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(defaultString(cfg.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	jsonEncoder := zapcore.NewJSONEncoder(EncoderConfig())

	var consoleEncoder zapcore.Encoder
	if cfg.Production {
		consoleEncoder = jsonEncoder
	} else {
		consoleEncoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	var console io.Writer = os.Stderr
	if cfg.Console != nil {
		console = cfg.Console
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(console)), level),
	}

	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
		// The file always keeps info and above, even when the console is quieter.
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotator), minLevel(level, zapcore.InfoLevel)))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// EncoderConfig is the JSON encoder layout used for log files.
func EncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.MessageKey = "message"
	ec.LevelKey = "level"
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return ec
}

func minLevel(a, b zapcore.Level) zapcore.Level {
	if a < b {
		return a
	}
	return b
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
