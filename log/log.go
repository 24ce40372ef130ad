// Package log wraps [log/slog] with package-level logging functions and a
// handful of adapters used across the worker. Errors are logged under the
// "cause" attribute so handlers render them uniformly.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

type (
	Attr    = slog.Attr
	Handler = slog.Handler
)

// DiscardHandler drops all records.
var DiscardHandler Handler = slog.NewTextHandler(io.Discard, nil)

// Logger is the printf-style interface expected by the paho mqtt package.
type Logger interface {
	Println(v ...any)
	Printf(format string, v ...any)
}

type logger struct {
	mu    sync.Mutex
	log   *slog.Logger
	level *slog.LevelVar
	with  []any
}

var defaultLogger = newDefault()

func newDefault() *logger {
	l := &logger{level: new(slog.LevelVar)}
	l.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l.level}))

	return l
}

func (l *logger) out() *slog.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.log
}

func (l *logger) set(h Handler) {
	l.mu.Lock()
	l.log = slog.New(h).With(l.with...)
	l.mu.Unlock()
}

// With adds args to every subsequent log record.
func With(args ...any) {
	defaultLogger.mu.Lock()
	defaultLogger.log = defaultLogger.log.With(args...)
	defaultLogger.with = append(defaultLogger.with, args...)
	defaultLogger.mu.Unlock()
}

// SetLogLevel sets the minimum level of the default logger. Handlers
// installed by SetHandler and friends observe the new level immediately.
func SetLogLevel(level Level) {
	defaultLogger.level.Set(slog.Level(level))
}

// SetHandler replaces the default logger's handler.
func SetHandler(h Handler) {
	defaultLogger.set(h)
}

// SetTextHandler directs logs to w in text format.
func SetTextHandler(w io.Writer) {
	SetHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: defaultLogger.level}))
}

// SetJSONHandler directs logs to w in JSON format.
func SetJSONHandler(w io.Writer) {
	SetHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: defaultLogger.level}))
}

// SetOutput directs text logs to w, keeping the current level.
func SetOutput(w io.Writer) {
	SetTextHandler(w)
}

// Debug logs at [LevelDebug].
func Debug(msg string, args ...any) {
	defaultLogger.out().Debug(msg, args...)
}

// Info logs at [LevelInfo].
func Info(msg string, args ...any) {
	defaultLogger.out().Info(msg, args...)
}

// Warn logs at [LevelWarn].
func Warn(msg string, args ...any) {
	defaultLogger.out().Warn(msg, args...)
}

// WarnError logs at [LevelWarn] with err under the "cause" attribute.
func WarnError(msg string, err error, args ...any) {
	if err != nil {
		args = append([]any{"cause", err}, args...)
	}

	defaultLogger.out().Warn(msg, args...)
}

// Error logs at [LevelError] with err under the "cause" attribute.
func Error(msg string, err error, args ...any) {
	if err != nil {
		args = append([]any{"cause", err}, args...)
	}

	defaultLogger.out().Error(msg, args...)
}

// Fatal logs like [Error] and exits with status 1.
func Fatal(msg string, err error, args ...any) {
	Error(msg, err, args...)
	os.Exit(1)
}

func (l *logger) logAt(level Level, msg string) {
	l.out().Log(context.Background(), slog.Level(level), msg)
}

type printLogger struct {
	level Level
}

func (p printLogger) Println(v ...any) {
	defaultLogger.logAt(p.level, fmt.Sprintln(v...))
}

func (p printLogger) Printf(format string, v ...any) {
	defaultLogger.logAt(p.level, fmt.Sprintf(format, v...))
}

// DebugLogger returns a [Logger] that logs at [LevelDebug].
func DebugLogger() Logger { return printLogger{LevelDebug} }

// WarnLogger returns a [Logger] that logs at [LevelWarn].
func WarnLogger() Logger { return printLogger{LevelWarn} }

// ErrorLogger returns a [Logger] that logs at [LevelError].
func ErrorLogger() Logger { return printLogger{LevelError} }
