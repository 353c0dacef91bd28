package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool
)

func init() {
	// Safe no-op logger until Initialize runs
	Logger = zap.NewNop().Sugar()
}

// Options controls how the global logger is built.
type Options struct {
	// JSON selects machine-readable output on stdout.
	JSON bool
	// Level is the minimum enabled level.
	Level zapcore.Level
	// File, when set, additionally writes JSON lines to a rotating file.
	File string
	// MaxSizeMB is the rotation threshold for File (default 50).
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep (default 3).
	MaxBackups int
}

// Initialize sets up the global logger based on the JSON output preference
func Initialize(jsonOutput bool) error {
	return InitializeWithOptions(Options{JSON: jsonOutput, Level: zapcore.InfoLevel})
}

// InitializeWithOptions sets up the global logger. Console output goes to
// stdout; an optional file sink receives JSON regardless of console format.
func InitializeWithOptions(opts Options) error {
	JSONOutput = opts.JSON

	level := zap.NewAtomicLevelAt(opts.Level)
	var cores []zapcore.Core

	if opts.JSON {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.Lock(os.Stdout),
			level,
		))
	} else {
		cores = append(cores, zapcore.NewCore(
			newConsoleEncoder(),
			zapcore.Lock(os.Stdout),
			level,
		))
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0750); err != nil {
			return err
		}
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		backups := opts.MaxBackups
		if backups <= 0 {
			backups = 3
		}
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: backups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotating),
			level,
		))
	}

	Logger = zap.New(zapcore.NewTee(cores...)).Sugar()
	return nil
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
