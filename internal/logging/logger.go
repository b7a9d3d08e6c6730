package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger provides structured JSON logging with a level that can change at runtime
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// NewLogger creates a logger writing JSON to stdout
func NewLogger(level string) *Logger {
	return NewLoggerTo(os.Stdout, level)
}

// NewLoggerTo creates a logger writing JSON to w
func NewLoggerTo(w io.Writer, level string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLogLevel(level))

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lv,
	})

	return &Logger{
		Logger: slog.New(handler).With("service", "integrityd"),
		level:  lv,
	}
}

// parseLogLevel parses log level string
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a plain slog logger tagged with component
func (l *Logger) WithComponent(component string) *slog.Logger {
	return l.Logger.With("component", component)
}

// SetLogLevel changes the level of this logger and every component logger derived from it
func (l *Logger) SetLogLevel(level string) {
	next := parseLogLevel(level)
	if l.level.Level() == next {
		return
	}
	l.level.Set(next)
	l.Info("Log level changed", "new_level", next.String())
}

// LogSystemEvent logs service lifecycle events
func (l *Logger) LogSystemEvent(event string, additional ...any) {
	args := []any{"event", event}
	args = append(args, additional...)

	switch event {
	case "service_started":
		l.Info("Service started", args...)
	case "service_stopped":
		l.Info("Service stopped", args...)
	case "shutdown_signal":
		l.Info("Shutdown signal received", args...)
	case "config_loaded":
		l.Info("Configuration loaded", args...)
	case "http_server_started":
		l.Info("HTTP server started", args...)
	case "nats_connected":
		l.Info("NATS connected", args...)
	case "nats_unavailable":
		l.Warn("NATS unavailable, continuing without bridge", args...)
	default:
		l.Info("System event", args...)
	}
}
