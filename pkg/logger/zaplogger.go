package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
)

type ZapLogger struct {
	log *zap.SugaredLogger
}

var current atomic.Pointer[ZapLogger]

// NewLogger builds a logger from config and makes it the package logger.
func NewLogger(config zap.Config) (*ZapLogger, error) {
	base, err := config.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}
	l := &ZapLogger{log: base.Sugar()}
	current.Store(l)
	return l, nil
}

func GetLogger() *ZapLogger {
	l := current.Load()
	if l == nil {
		panic("logger not initialized")
	}
	return l
}

// With returns a child logger carrying the given key/value pairs on every entry.
func (l *ZapLogger) With(values ...any) *ZapLogger {
	return &ZapLogger{log: l.log.With(values...)}
}

func (l *ZapLogger) Panic(message string, values ...any) { l.log.Panicw(message, values...) }
func (l *ZapLogger) Info(message string, values ...any)  { l.log.Infow(message, values...) }
func (l *ZapLogger) Warn(message string, values ...any)  { l.log.Warnw(message, values...) }
func (l *ZapLogger) Error(message string, values ...any) { l.log.Errorw(message, values...) }
func (l *ZapLogger) Debug(message string, values ...any) { l.log.Debugw(message, values...) }

func (l *ZapLogger) Fatal(err error, values ...any) {
	l.log.Fatalw(err.Error(), values...)
}

// Printf lets the logger stand in for fasthttp's logger.
func (l *ZapLogger) Printf(format string, args ...interface{}) {
	l.log.Infof(format, args...)
}
