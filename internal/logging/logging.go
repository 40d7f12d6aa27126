// Package logging adapts log/slog output to a line-oriented sink.
package logging

import (
	"log/slog"
	"strings"
	"sync"
)

// sinkWriter hands each slog record to sink as one line.
// slog's text handler issues exactly one Write per record.
type sinkWriter struct {
	mu   sync.Mutex
	sink func(string)
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")

	w.mu.Lock()
	w.sink(line)
	w.mu.Unlock()
	return len(p), nil
}

// NewSinkHandler returns a text handler that delivers each record to sink.
// A nil sink discards output.
func NewSinkHandler(sink func(line string), opts *slog.HandlerOptions) slog.Handler {
	if sink == nil {
		sink = func(string) {}
	}
	return slog.NewTextHandler(&sinkWriter{sink: sink}, opts)
}

// NewSinkLogger is shorthand for slog.New(NewSinkHandler(sink, opts)).
func NewSinkLogger(sink func(line string), opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(NewSinkHandler(sink, opts))
}

// ParseLevel maps a config level name to a slog.Level. Unknown names map to
// info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
