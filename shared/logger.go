package shared

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerAdapter is the logging surface the engine depends on. It keeps zap
// out of public signatures except for field constructors.
type LoggerAdapter interface {
	Error(msg string, err error, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Trace(msg string, fields ...zap.Field)
	With(fields ...zap.Field) LoggerAdapter
}

type zapAdapter struct {
	logger *zap.Logger
}

var _ LoggerAdapter = (*zapAdapter)(nil)

func (a *zapAdapter) Error(msg string, err error, fields ...zap.Field) {
	a.logger.Error(msg, append(fields, zap.Error(err))...)
}

func (a *zapAdapter) Warn(msg string, fields ...zap.Field) {
	a.logger.Warn(msg, fields...)
}

func (a *zapAdapter) Info(msg string, fields ...zap.Field) {
	a.logger.Info(msg, fields...)
}

func (a *zapAdapter) Debug(msg string, fields ...zap.Field) {
	a.logger.Debug(msg, fields...)
}

// Trace maps to zap's debug level; zap has no level below it.
func (a *zapAdapter) Trace(msg string, fields ...zap.Field) {
	a.logger.Debug(msg, fields...)
}

func (a *zapAdapter) With(fields ...zap.Field) LoggerAdapter {
	return &zapAdapter{logger: a.logger.With(fields...)}
}

// NewStdLogger returns a production JSON logger writing to stderr.
func NewStdLogger() LoggerAdapter {
	logger, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return &zapAdapter{logger: logger}
}

// NewFileLogger returns a logger writing to a size-rotated file.
func NewFileLogger(filename string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) LoggerAdapter {
	hook := lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&hook),
		zapcore.DebugLevel,
	)
	return &zapAdapter{logger: zap.New(core, zap.AddCallerSkip(1))}
}

// NewNopLogger discards everything. Handy in tests.
func NewNopLogger() LoggerAdapter {
	return &zapAdapter{logger: zap.NewNop()}
}
