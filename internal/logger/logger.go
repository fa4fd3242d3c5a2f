// Package logger provides leveled structured logging.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel maps a config string to a Level; unknown values are InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger provides leveled logging.
type Logger struct {
	level Level
	zl    zerolog.Logger
}

// Until Init runs every call is dropped.
var defaultLogger = &Logger{level: ErrorLevel + 1, zl: zerolog.Nop()}

// Init initializes the default logger with the specified level and format.
// Format "text" selects zerolog's console writer, anything else emits JSON.
func Init(level string, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string, format string) {
	l := ParseLevel(level)

	out := w
	if strings.ToLower(format) == "text" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339Nano}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zl := zerolog.New(out).
		Level(l.zerolog()).
		With().
		Timestamp().
		CallerWithSkipFrameCount(4).
		Logger()

	defaultLogger = &Logger{level: l, zl: zl}
}

func (l *Logger) emit(level Level, format string, args []interface{}) {
	if l.level > level {
		return
	}
	var ev *zerolog.Event
	switch level {
	case DebugLevel:
		ev = l.zl.Debug()
	case InfoLevel:
		ev = l.zl.Info()
	case WarnLevel:
		ev = l.zl.Warn()
	default:
		ev = l.zl.Error()
	}
	ev.Msgf(format, args...)
}

func (l *Logger) fatal(format string, args []interface{}) {
	l.zl.WithLevel(zerolog.FatalLevel).Msgf(format, args...)
}

func Debug(format string, args ...interface{}) {
	defaultLogger.emit(DebugLevel, format, args)
}

func Info(format string, args ...interface{}) {
	defaultLogger.emit(InfoLevel, format, args)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.emit(WarnLevel, format, args)
}

func Error(format string, args ...interface{}) {
	defaultLogger.emit(ErrorLevel, format, args)
}

// Fatal logs regardless of level and exits with status 1.
func Fatal(format string, args ...interface{}) {
	defaultLogger.fatal(format, args)
	os.Exit(1)
}
