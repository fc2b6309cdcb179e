package internal

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents different logging verbosity levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// ParseLogLevel maps ERROR/WARN/INFO/DEBUG/TRACE to a level, defaulting to INFO
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return LogLevelError
	case "WARN", "WARNING":
		return LogLevelWarn
	case "DEBUG":
		return LogLevelDebug
	case "TRACE":
		return LogLevelTrace
	default:
		return LogLevelInfo
	}
}

// Logger provides leveled logging on top of zap
type Logger struct {
	level LogLevel
	sugar *zap.SugaredLogger
}

// NewLogger creates a console logger with the specified level
func NewLogger(level LogLevel) *Logger {
	return newLogger(level, "console")
}

// NewJSONLogger creates a logger emitting JSON lines
func NewJSONLogger(level LogLevel) *Logger {
	return newLogger(level, "json")
}

// NewDefaultLogger creates a logger based on LOG_LEVEL and LOG_FORMAT environment variables
func NewDefaultLogger() *Logger {
	return newLogger(ParseLogLevel(os.Getenv("LOG_LEVEL")), os.Getenv("LOG_FORMAT"))
}

// NewNopLogger discards everything
func NewNopLogger() *Logger {
	return &Logger{level: LogLevelError, sugar: zap.NewNop().Sugar()}
}

func newLogger(level LogLevel, format string) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	// Level filtering happens in Logger; zap only sees what already passed.
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapcore.DebugLevel)
	return &Logger{level: level, sugar: zap.New(core).Sugar()}
}

// WithComponent returns a child logger tagged with a component field
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{level: l.level, sugar: l.sugar.With("component", name)}
}

// With returns a child logger carrying extra key/value fields
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{level: l.level, sugar: l.sugar.With(keysAndValues...)}
}

// Error logs error messages
func (l *Logger) Error(format string, args ...interface{}) {
	if l.level >= LogLevelError {
		l.sugar.Errorf(format, args...)
	}
}

// Warn logs warning messages
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogLevelWarn {
		l.sugar.Warnf(format, args...)
	}
}

// Info logs info messages
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogLevelInfo {
		l.sugar.Infof(format, args...)
	}
}

// Debug logs debug messages
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogLevelDebug {
		l.sugar.Debugf(format, args...)
	}
}

// Trace logs trace messages. zap has no trace level, so these go out at debug.
func (l *Logger) Trace(format string, args ...interface{}) {
	if l.level >= LogLevelTrace {
		l.sugar.Debug(fmt.Sprintf("[TRACE] "+format, args...))
	}
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return l.level
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// Global logger instance
var DefaultLogger = NewDefaultLogger()

// OrDefault returns l, or DefaultLogger when l is nil
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return DefaultLogger
	}
	return l
}
