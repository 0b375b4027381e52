// Package logger provides structured logging built on log/slog.
// Loggers travel in the context; packages log via the package-level
// helpers in context.go.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger is the logging interface used across the server.
type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)
	Fatal(msg string, tags ...any)

	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Errorf(format string, v ...any)

	// With returns a child logger with the given tags attached.
	With(tags ...any) Logger
}

// Option configures a Logger created by NewLogger.
type Option func(*options)

type options struct {
	debug  bool
	format string
	quiet  bool
	writer io.Writer
}

// WithDebug enables debug level logging.
func WithDebug() Option {
	return func(o *options) { o.debug = true }
}

// WithFormat sets the output format, "text" (default) or "json".
func WithFormat(format string) Option {
	return func(o *options) { o.format = format }
}

// WithQuiet discards all output. Used by tests.
func WithQuiet() Option {
	return func(o *options) { o.quiet = true }
}

// WithWriter sets the output destination (default os.Stderr).
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// NewLogger builds a Logger from the given options.
func NewLogger(opts ...Option) Logger {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	w := o.writer
	if w == nil {
		w = os.Stderr
	}
	if o.quiet {
		w = io.Discard
	}

	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if o.format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	return &appLogger{logger: slog.New(handler)}
}

var defaultLogger = NewLogger()

type appLogger struct {
	logger *slog.Logger
}

func (a *appLogger) Debug(msg string, tags ...any) { a.logger.Debug(msg, tags...) }
func (a *appLogger) Info(msg string, tags ...any)  { a.logger.Info(msg, tags...) }
func (a *appLogger) Warn(msg string, tags ...any)  { a.logger.Warn(msg, tags...) }
func (a *appLogger) Error(msg string, tags ...any) { a.logger.Error(msg, tags...) }

// Fatal logs at error level and exits the process.
func (a *appLogger) Fatal(msg string, tags ...any) {
	a.logger.Error(msg, tags...)
	os.Exit(1)
}

func (a *appLogger) Debugf(format string, v ...any) { a.logger.Debug(fmt.Sprintf(format, v...)) }
func (a *appLogger) Infof(format string, v ...any)  { a.logger.Info(fmt.Sprintf(format, v...)) }
func (a *appLogger) Errorf(format string, v ...any) { a.logger.Error(fmt.Sprintf(format, v...)) }

func (a *appLogger) With(tags ...any) Logger {
	return &appLogger{logger: a.logger.With(tags...)}
}

var _ Logger = (*appLogger)(nil)
