// Package logger provides the mesh's structured logging surface: the same
// Logger/Field shape the teacher repo's internal/logger hand-rolls over
// encoding/json, but backed by sirupsen/logrus — the ecosystem logging
// library the rest of the example corpus reaches for (see
// orbas1-Synnergy's walletserver/middleware/logger.go) rather than a
// bespoke JSON writer.
package logger

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level mirrors the teacher's five-level severity scale.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case InfoLevel:
		return logrus.InfoLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Field is one piece of structured context attached to a log entry.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field { return Field{Key: key, Value: value} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Error creates an "error" field, nil-safe like the teacher's.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is the structured logging interface every mesh component depends
// on, kept deliberately identical in shape to the teacher's so call sites
// read the same regardless of which backend is wired in.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	WithContext(ctx context.Context) Logger
	WithFields(fields ...Field) Logger
	SetLevel(level Level)
	GetLevel() Level
}

// logrusLogger implements Logger on top of *logrus.Entry.
type logrusLogger struct {
	base  *logrus.Logger
	entry *logrus.Entry
	level Level
}

// New creates a Logger writing JSON-formatted entries to output at level,
// matching the teacher's NewLogger(output, level) constructor shape.
func New(output *os.File, level Level) Logger {
	base := logrus.New()
	base.SetOutput(output)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(level.logrusLevel())

	return &logrusLogger{base: base, entry: logrus.NewEntry(base), level: level}
}

// NewDefault creates a Logger to stdout, honoring MESHLINK_LOG_LEVEL the
// way the teacher's NewDefaultLogger honors SAGE_LOG_LEVEL.
func NewDefault() Logger {
	level := InfoLevel
	if envLevel := os.Getenv("MESHLINK_LOG_LEVEL"); envLevel != "" {
		switch strings.ToUpper(envLevel) {
		case "DEBUG":
			level = DebugLevel
		case "INFO":
			level = InfoLevel
		case "WARN":
			level = WarnLevel
		case "ERROR":
			level = ErrorLevel
		}
	}
	return New(os.Stdout, level)
}

func toFields(fields []Field) logrus.Fields {
	f := make(logrus.Fields, len(fields))
	for _, field := range fields {
		f[field.Key] = field.Value
	}
	return f
}

func (l *logrusLogger) Debug(msg string, fields ...Field) { l.entry.WithFields(toFields(fields)).Debug(msg) }
func (l *logrusLogger) Info(msg string, fields ...Field)  { l.entry.WithFields(toFields(fields)).Info(msg) }
func (l *logrusLogger) Warn(msg string, fields ...Field)  { l.entry.WithFields(toFields(fields)).Warn(msg) }
func (l *logrusLogger) Error(msg string, fields ...Field) { l.entry.WithFields(toFields(fields)).Error(msg) }
func (l *logrusLogger) Fatal(msg string, fields ...Field) { l.entry.WithFields(toFields(fields)).Fatal(msg) }

func (l *logrusLogger) WithContext(ctx context.Context) Logger {
	return &logrusLogger{base: l.base, entry: l.entry.WithContext(ctx), level: l.level}
}

func (l *logrusLogger) WithFields(fields ...Field) Logger {
	return &logrusLogger{base: l.base, entry: l.entry.WithFields(toFields(fields)), level: l.level}
}

func (l *logrusLogger) SetLevel(level Level) {
	l.level = level
	l.base.SetLevel(level.logrusLevel())
}

func (l *logrusLogger) GetLevel() Level { return l.level }
