// Package logging wraps zap with a small structured-field API shared by all
// engine services.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Fields map[string]interface{}

// Logger is a thin wrapper over a zap core with an adjustable level.
type Logger struct {
	base        *zap.Logger
	atomicLevel zap.AtomicLevel
}

// Entry carries accumulated structured fields toward a single log call.
type Entry struct {
	logger *Logger
	fields []zap.Field
}

// New returns a JSON logger writing to stdout at info level.
func New() *Logger {
	return NewAtLevel(zapcore.InfoLevel)
}

// NewAtLevel returns a JSON logger writing to stdout at the given level.
func NewAtLevel(level zapcore.Level) *Logger {
	atomicLevel := zap.NewAtomicLevelAt(level)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		atomicLevel,
	)

	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{base: base, atomicLevel: atomicLevel}
}

// NewNop returns a logger that discards everything. Used by tests and as the
// nil-logger fallback in constructors.
func NewNop() *Logger {
	return &Logger{base: zap.NewNop(), atomicLevel: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

// SetLevel changes the minimum enabled level at runtime.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: []zap.Field{zap.Any(key, value)}}
}

func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: toZapFields(fields)}
}

func (l *Logger) WithError(err error) *Entry {
	return &Entry{logger: l, fields: []zap.Field{zap.Error(err)}}
}

func (l *Logger) Debug(args ...interface{}) { l.base.Debug(fmt.Sprint(args...)) }
func (l *Logger) Info(args ...interface{})  { l.base.Info(fmt.Sprint(args...)) }
func (l *Logger) Warn(args ...interface{})  { l.base.Warn(fmt.Sprint(args...)) }
func (l *Logger) Error(args ...interface{}) { l.base.Error(fmt.Sprint(args...)) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.base.Debug(fmt.Sprintf(format, args...))
}
func (l *Logger) Infof(format string, args ...interface{}) { l.base.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...interface{}) { l.base.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.base.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) Sync() error { return l.base.Sync() }

func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: e.logger, fields: append(copyFields(e.fields), zap.Any(key, value))}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{logger: e.logger, fields: append(copyFields(e.fields), toZapFields(fields)...)}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{logger: e.logger, fields: append(copyFields(e.fields), zap.Error(err))}
}

func (e *Entry) Debug(args ...interface{}) {
	e.logger.base.With(e.fields...).Debug(fmt.Sprint(args...))
}

func (e *Entry) Info(args ...interface{}) {
	e.logger.base.With(e.fields...).Info(fmt.Sprint(args...))
}

func (e *Entry) Warn(args ...interface{}) {
	e.logger.base.With(e.fields...).Warn(fmt.Sprint(args...))
}

func (e *Entry) Error(args ...interface{}) {
	e.logger.base.With(e.fields...).Error(fmt.Sprint(args...))
}

func (e *Entry) Infof(format string, args ...interface{}) {
	e.logger.base.With(e.fields...).Info(fmt.Sprintf(format, args...))
}

func (e *Entry) Warnf(format string, args ...interface{}) {
	e.logger.base.With(e.fields...).Warn(fmt.Sprintf(format, args...))
}

func (e *Entry) Errorf(format string, args ...interface{}) {
	e.logger.base.With(e.fields...).Error(fmt.Sprintf(format, args...))
}

func toZapFields(fields Fields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		out = append(out, zap.Any(key, value))
	}
	return out
}

func copyFields(in []zap.Field) []zap.Field {
	out := make([]zap.Field, len(in))
	copy(out, in)
	return out
}
