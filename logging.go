// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// Field represents a structured logging field with a key-value pair.
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging throughout the library.
//
// Key sizes, security types and fingerprints are logged. Keys, randoms and
// credentials never are.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a logger that adds fields to every message.
	With(fields ...Field) Logger
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, fields ...Field) {}
func (l *NoOpLogger) Info(msg string, fields ...Field)  {}
func (l *NoOpLogger) Warn(msg string, fields ...Field)  {}
func (l *NoOpLogger) Error(msg string, fields ...Field) {}

// With returns the receiver.
func (l *NoOpLogger) With(fields ...Field) Logger { return l }

// StandardLogger writes key=value lines through the standard log package.
type StandardLogger struct {
	// Logger is the destination. A nil Logger writes to stderr.
	Logger *log.Logger

	contextFields []Field
}

var stderrLogger = log.New(os.Stderr, "VNC: ", log.LstdFlags|log.Lshortfile)

// output never writes to the receiver, so a zero StandardLogger can be
// shared between goroutines.
func (l *StandardLogger) output() *log.Logger {
	if l.Logger == nil {
		return stderrLogger
	}
	return l.Logger
}

func (l *StandardLogger) print(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, set := range [][]Field{l.contextFields, fields} {
		for _, f := range set {
			b.WriteByte(' ')
			b.WriteString(f.Key)
			b.WriteByte('=')
			b.WriteString(formatFieldValue(f.Value))
		}
	}
	_ = l.output().Output(3, b.String())
}

// formatFieldValue quotes strings containing whitespace and errors.
func formatFieldValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.ContainsAny(v, " \t\r\n") {
			return `"` + v + `"`
		}
		return v
	case error:
		return `"` + v.Error() + `"`
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (l *StandardLogger) Debug(msg string, fields ...Field) { l.print("[DEBUG]", msg, fields) }
func (l *StandardLogger) Info(msg string, fields ...Field)  { l.print("[INFO]", msg, fields) }
func (l *StandardLogger) Warn(msg string, fields ...Field)  { l.print("[WARN]", msg, fields) }
func (l *StandardLogger) Error(msg string, fields ...Field) { l.print("[ERROR]", msg, fields) }

// With returns a StandardLogger sharing the destination with extra context fields.
func (l *StandardLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.contextFields)+len(fields))
	merged = append(merged, l.contextFields...)
	merged = append(merged, fields...)
	return &StandardLogger{Logger: l.output(), contextFields: merged}
}

// ZapLogger adapts a *zap.Logger to Logger.
type ZapLogger struct {
	z *zap.Logger
}

// NewZapLogger returns a Logger backed by z. A nil z discards everything.
func NewZapLogger(z *zap.Logger) *ZapLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &ZapLogger{z: z}
}

func zapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		if err, ok := f.Value.(error); ok {
			out[i] = zap.NamedError(f.Key, err)
			continue
		}
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, zapFields(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, zapFields(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, zapFields(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, zapFields(fields)...) }

// With returns a ZapLogger with fields attached.
func (l *ZapLogger) With(fields ...Field) Logger {
	return &ZapLogger{z: l.z.With(zapFields(fields)...)}
}

// Zap returns the underlying zap logger.
func (l *ZapLogger) Zap() *zap.Logger { return l.z }

// streamLoggerFactory routes rdr stream logging into a Logger. Trace output
// is folded into Debug.
type streamLoggerFactory struct {
	logger Logger
}

func newStreamLoggerFactory(logger Logger) logging.LoggerFactory {
	return streamLoggerFactory{logger: logger}
}

func (f streamLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	_, quiet := f.logger.(*NoOpLogger)
	return &streamLogger{
		logger: f.logger.With(Field{Key: "scope", Value: scope}),
		quiet:  quiet,
	}
}

type streamLogger struct {
	logger Logger
	quiet  bool
}

func (s *streamLogger) Trace(msg string) { s.Debug(msg) }
func (s *streamLogger) Tracef(format string, args ...interface{}) {
	s.Debugf(format, args...)
}

func (s *streamLogger) Debug(msg string) { s.logger.Debug(msg) }
func (s *streamLogger) Debugf(format string, args ...interface{}) {
	if !s.quiet {
		s.logger.Debug(fmt.Sprintf(format, args...))
	}
}

func (s *streamLogger) Info(msg string) { s.logger.Info(msg) }
func (s *streamLogger) Infof(format string, args ...interface{}) {
	if !s.quiet {
		s.logger.Info(fmt.Sprintf(format, args...))
	}
}

func (s *streamLogger) Warn(msg string) { s.logger.Warn(msg) }
func (s *streamLogger) Warnf(format string, args ...interface{}) {
	if !s.quiet {
		s.logger.Warn(fmt.Sprintf(format, args...))
	}
}

func (s *streamLogger) Error(msg string) { s.logger.Error(msg) }
func (s *streamLogger) Errorf(format string, args ...interface{}) {
	if !s.quiet {
		s.logger.Error(fmt.Sprintf(format, args...))
	}
}
