package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"strings"
	"time"
)

// RequestEntry holds all fields for a proxy request log line.
type RequestEntry struct {
	RequestID  string
	ClientIP   string
	Method     string
	Host       string
	URL        string
	Route      string
	Upstream   string
	Attempts   int
	StatusCode int
	Duration   time.Duration
	BytesSent  int64
	BytesRecv  int64
	Err        error
}

// LogRequest logs a proxy request with structured fields. Requests that
// failed are logged at warn level with the error attached.
func LogRequest(logger *slog.Logger, e RequestEntry) {
	level := slog.LevelInfo
	attrs := []any{
		"request_id", e.RequestID,
		"client_ip", e.ClientIP,
		"method", e.Method,
		"host", e.Host,
		"url", e.URL,
		"route", e.Route,
		"upstream", e.Upstream,
		"attempts", e.Attempts,
		"status_code", e.StatusCode,
		"duration_ms", e.Duration.Milliseconds(),
		"bytes_sent", e.BytesSent,
		"bytes_received", e.BytesRecv,
	}
	if e.Err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, "error", e.Err.Error())
	}
	logger.Log(context.Background(), level, "proxy request", attrs...)
}

// NewSyslogLogger creates an slog.Logger that writes JSON to syslog.
func NewSyslogLogger(level slog.Level) (*slog.Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "pacrelay")
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// New creates an slog.Logger writing to w in the given format ("json" or
// "text").
func New(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}
