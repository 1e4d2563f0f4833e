// Package logging provides the structured logger abstraction shared by the
// gateway and worker binaries. It mirrors Watermill's logging contract so the
// same logger can be handed to the router, the Kafka transport, and
// application code without an adapter at every call site.
package logging

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
)

// Fields is a structured set of key/value pairs attached to a log line.
type Fields map[string]any

// Logger is the minimal logging contract used throughout the service.
type Logger interface {
	With(fields Fields) Logger
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Error(msg string, err error, fields Fields)
}

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewJSON returns the default production logger: JSON lines on stdout.
func NewJSON(component string) Logger {
	base := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", component)
	return New(base)
}

// New wraps an existing slog.Logger so it satisfies Logger.
func New(log *slog.Logger) Logger {
	if log == nil {
		panic("logging: slog logger cannot be nil")
	}
	return &slogLogger{inner: log}
}

type slogLogger struct {
	inner *slog.Logger
}

func (s *slogLogger) With(fields Fields) Logger {
	return &slogLogger{inner: s.inner.With(toArgs(fields)...)}
}

func (s *slogLogger) Debug(msg string, fields Fields) {
	s.inner.Debug(msg, toArgs(fields)...)
}

func (s *slogLogger) Info(msg string, fields Fields) {
	s.inner.Info(msg, toArgs(fields)...)
}

func (s *slogLogger) Error(msg string, err error, fields Fields) {
	args := toArgs(fields)
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	s.inner.Error(msg, args...)
}

func toArgs(fields Fields) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// watermillAdapter lets Logger be handed to Watermill's router and the Kafka
// transport without a second logging implementation in the tree.
type watermillAdapter struct {
	base Logger
}

// NewWatermillAdapter converts a Logger into a watermill.LoggerAdapter.
func NewWatermillAdapter(log Logger) watermill.LoggerAdapter {
	if log == nil {
		panic("logging: Logger cannot be nil")
	}
	return &watermillAdapter{base: log}
}

func (w *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.base.Error(msg, err, fromWatermillFields(fields))
}

func (w *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.base.Info(msg, fromWatermillFields(fields))
}

func (w *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.base.Debug(msg, fromWatermillFields(fields))
}

func (w *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.base.Debug(msg, fromWatermillFields(fields))
}

func (w *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{base: w.base.With(fromWatermillFields(fields))}
}

func fromWatermillFields(fields watermill.LogFields) Fields {
	if len(fields) == 0 {
		return nil
	}
	return Fields(fields)
}
