// Package logger provides leveled structured logging.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var sugar = zap.NewNop().Sugar()

// Init initializes the default logger with the specified level and format.
// Until Init is called every log call is discarded.
func Init(level string, format string) {
	sugar = New(level, format).Sugar()
}

// New builds a zap logger writing to stderr. Format "text" selects the console
// encoder with caller information; anything else logs JSON.
func New(level string, format string) *zap.Logger {
	var l zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		l = zapcore.DebugLevel
	case "warn":
		l = zapcore.WarnLevel
	case "error":
		l = zapcore.ErrorLevel
	default:
		l = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	opts := []zap.Option{zap.AddCallerSkip(1)}
	if strings.ToLower(format) == "text" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
		opts = append(opts, zap.AddCaller())
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(l))
	return zap.New(core, opts...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = sugar.Sync()
}

func Debug(format string, args ...interface{}) {
	sugar.Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	sugar.Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	sugar.Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	sugar.Errorf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	sugar.Fatalf(format, args...)
}
