package logger

import (
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const fileName = "sat-processor.log"

// Level parses "debug", "info", "warn" or "error" (case-insensitive); anything
// else is info.
func Level(s string) zap.AtomicLevel {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if s == "" {
		return level
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return level
}

// Path is the log file inside dir, or "" when file logging is off.
func Path(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, fileName)
}

// FileCore writes JSON lines to a rotated file.
func FileCore(path string, level zap.AtomicLevel) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     30,
	})
	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), writer, level)
}

// NewLogger creates the file logger used when telemetry is off.
// If logDir is empty → no-op logger.
func NewLogger(logDir, logLevel string) *zap.SugaredLogger {
	path := Path(logDir)
	if path == "" {
		return zap.NewNop().Sugar()
	}
	return zap.New(FileCore(path, Level(logLevel)), zap.AddCaller()).Sugar()
}
