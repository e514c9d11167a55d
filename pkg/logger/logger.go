package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Info(msg string, values ...any)
	Warn(msg string, values ...any)
	Error(msg string, values ...any)
	Debug(msg string, values ...any)
	Panic(message string, values ...any)
	Fatal(error error, values ...any)
	Printf(format string, args ...interface{})
}

// LOG_ENV=production selects JSON output, LOG_LEVEL=debug|info|warn|error
// overrides the level. Configure replaces the logger once the application
// configuration is known.
func init() {
	if err := Configure(os.Getenv("LOG_ENV"), os.Getenv("LOG_LEVEL")); err != nil {
		panic(err)
	}
}

// Configure rebuilds the package logger. An unknown level keeps the default
// of the selected environment.
func Configure(env, level string) error {
	var config zap.Config
	switch strings.ToLower(env) {
	case "production", "prod":
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		config = zap.NewDevelopmentConfig()
	}
	if level != "" {
		if l, err := zapcore.ParseLevel(level); err == nil {
			config.Level = zap.NewAtomicLevelAt(l)
		}
	}
	_, err := NewLogger(config)
	return err
}

func Info(msg string, values ...any) {
	GetLogger().Info(msg, values...)
}

func Warn(msg string, values ...any) {
	GetLogger().Warn(msg, values...)
}

func Error(msg string, values ...any) {
	GetLogger().Error(msg, values...)
}

func Debug(msg string, values ...any) {
	GetLogger().Debug(msg, values...)
}

func Panic(msg string, values ...any) {
	GetLogger().Panic(msg, values...)
}

func Fatal(error error, values ...any) {
	GetLogger().Fatal(error, values...)
}

// Sync flushes buffered entries, call it before the process exits.
func Sync() {
	_ = GetLogger().log.Sync()
}
