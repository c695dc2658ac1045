// Package logging provides structured, leveled logging for every
// long-lived component of the agent, backed by zap.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface every component depends on, kept small so
// mocks and no-op loggers in tests are trivial to construct.
type Logger interface {
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
	Fatal(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
	Sync() error
}

// ZapLogger implements Logger on top of a *zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// Level mirrors the recognized configuration values for log verbosity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "INFO"
	}
}

// ParseLevel parses a level string from configuration, defaulting to
// InfoLevel with an error on an unrecognized value.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel, nil
	case "INFO":
		return InfoLevel, nil
	case "WARN":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "FATAL":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// New builds a console-encoded, leveled Logger writing to stdout.
func New(levelStr string) (*ZapLogger, error) {
	level, err := ParseLevel(levelStr)
	if err != nil {
		level = InfoLevel
	}

	var zapLevel zapcore.Level
	switch level {
	case DebugLevel:
		zapLevel = zap.DebugLevel
	case WarnLevel:
		zapLevel = zap.WarnLevel
	case ErrorLevel:
		zapLevel = zap.ErrorLevel
	case FatalLevel:
		zapLevel = zap.FatalLevel
	default:
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &ZapLogger{logger: logger}, nil
}

func fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, fields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, fields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, fields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, fields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, fields(kv)...) }

func (l *ZapLogger) With(kv ...interface{}) Logger {
	return &ZapLogger{logger: l.logger.With(fields(kv)...)}
}

func (l *ZapLogger) Sync() error { return l.logger.Sync() }

// Nop is a Logger that discards everything, for tests that don't care
// about log output.
type Nop struct{}

func (Nop) Debug(string, ...interface{}) {}
func (Nop) Info(string, ...interface{})  {}
func (Nop) Warn(string, ...interface{})  {}
func (Nop) Error(string, ...interface{}) {}
func (Nop) Fatal(string, ...interface{}) {}
func (Nop) With(...interface{}) Logger   { return Nop{} }
func (Nop) Sync() error                  { return nil }
