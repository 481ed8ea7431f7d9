package logging

import (
	"fmt"
	"io"
	"log/slog"
)

// FieldLogger is an optional extension of Logger: collaborators that want
// structured per-session fields (session id, byte counts, endpoints) can
// type-assert for it and fall back to plain Printf when it's absent.
type FieldLogger interface {
	Logger
	With(args ...any) FieldLogger
}

// SlogLogger backs Logger/FieldLogger with log/slog, for deployments that
// want structured (JSON or key=value text) log output instead of the
// plain stdlib log format — the pack convention bassosimone-nop follows
// throughout its dialers and resolvers.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger builds a SlogLogger writing to w. format selects the
// handler: "json" for slog.JSONHandler, anything else for slog.TextHandler.
func NewSlogLogger(w io.Writer, format string, level slog.Level) *SlogLogger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &SlogLogger{logger: slog.New(handler)}
}

// Printf formats the message and emits it as a single slog.Info record
// under the "msg" key — this is the bridge plain Logger.Printf callers
// (pipeline, config, cmd) go through.
func (s *SlogLogger) Printf(format string, v ...any) {
	s.logger.Info(fmt.Sprintf(format, v...))
}

// With returns a FieldLogger carrying the given structured fields on every
// subsequent record — session code uses this to attach session_id once
// and reuse the result for the life of the session.
func (s *SlogLogger) With(args ...any) FieldLogger {
	return &SlogLogger{logger: s.logger.With(args...)}
}
