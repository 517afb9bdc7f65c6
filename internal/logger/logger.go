// Package logger provides component-scoped structured logging for the presence service.
//
// Every component obtains its own logger via NewComponentLogger and logs with
// printf-style helpers. Entries are written as JSON lines by zerolog and carry the
// component name and the caller's file:line, so a single log file can be filtered
// per subsystem (Ingestor, Enrichment, Notify, ...).
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLogLevel converts a string to a LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger provides structured logging with context
type Logger struct {
	component string
	level     LogLevel
	zl        zerolog.Logger
}

var (
	globalLogger *Logger
	globalOutput io.Writer = os.Stdout
	globalLevel            = INFO
	globalMu     sync.RWMutex
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Initialize sets up the global logger with file and stdout output
func Initialize(logFile string, level string) error {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	SetOutput(io.MultiWriter(os.Stdout, file), level)
	return nil
}

// SetOutput points every logger created afterwards at w.
func SetOutput(w io.Writer, level string) {
	globalMu.Lock()
	defer globalMu.Unlock()

	globalOutput = w
	globalLevel = ParseLogLevel(level)
	globalLogger = newLogger("main", globalLevel, w)
}

func newLogger(component string, level LogLevel, w io.Writer) *Logger {
	return &Logger{
		component: component,
		level:     level,
		zl: zerolog.New(w).
			Level(level.zerolog()).
			With().
			Timestamp().
			Str("component", component).
			Logger(),
	}
}

// NewComponentLogger creates a new logger for a specific component
func NewComponentLogger(component string) *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	return newLogger(component, globalLevel, globalOutput)
}

// log writes a log message with the specified level
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	caller := "???"
	if _, file, line, ok := runtime.Caller(2); ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	l.zl.WithLevel(level.zerolog()).Str("caller", caller).Msgf(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// ErrorWithContext logs an error with additional context
func (l *Logger) ErrorWithContext(err error, context string, args ...interface{}) {
	contextMsg := fmt.Sprintf(context, args...)
	l.log(ERROR, "%s: %v", contextMsg, err)
}

// WithField returns a new logger with an additional field
func (l *Logger) WithField(key, value string) *Logger {
	return &Logger{
		component: l.component,
		level:     l.level,
		zl:        l.zl.With().Str(key, value).Logger(),
	}
}

// Component returns the component name the logger was created for.
func (l *Logger) Component() string {
	return l.component
}

func global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return newLogger("main", globalLevel, globalOutput)
	}
	return globalLogger
}

// Global logging functions for code paths without a component logger
func Debug(format string, args ...interface{}) {
	global().log(DEBUG, format, args...)
}

func Info(format string, args ...interface{}) {
	global().log(INFO, format, args...)
}

func Warn(format string, args ...interface{}) {
	global().log(WARN, format, args...)
}

func Error(format string, args ...interface{}) {
	global().log(ERROR, format, args...)
}

func ErrorWithContext(err error, context string, args ...interface{}) {
	contextMsg := fmt.Sprintf(context, args...)
	global().log(ERROR, "%s: %v", contextMsg, err)
}
