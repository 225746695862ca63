package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/pacrelay/internal/logging"
)

func TestLogRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	entry := logging.RequestEntry{
		RequestID:  "6f1c0c1e-0000-4000-8000-000000000001",
		ClientIP:   "127.0.0.1",
		Method:     "CONNECT",
		Host:       "example.com",
		URL:        "https://example.com/",
		Route:      "PROXY squid:3128; DIRECT",
		Upstream:   "squid:3128",
		Attempts:   1,
		StatusCode: 200,
		Duration:   150 * time.Millisecond,
		BytesSent:  1024,
		BytesRecv:  512,
	}

	logging.LogRequest(logger, entry)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("invalid JSON log output: %v", err)
	}

	checks := map[string]any{
		"level":          "INFO",
		"msg":            "proxy request",
		"request_id":     "6f1c0c1e-0000-4000-8000-000000000001",
		"client_ip":      "127.0.0.1",
		"method":         "CONNECT",
		"host":           "example.com",
		"url":            "https://example.com/",
		"route":          "PROXY squid:3128; DIRECT",
		"upstream":       "squid:3128",
		"attempts":       float64(1),
		"status_code":    float64(200),
		"duration_ms":    float64(150),
		"bytes_sent":     float64(1024),
		"bytes_received": float64(512),
	}

	for k, want := range checks {
		got, ok := m[k]
		if !ok {
			t.Errorf("missing field %q in log output", k)
			continue
		}
		if got != want {
			t.Errorf("field %q: got %v, want %v", k, got, want)
		}
	}

	if _, ok := m["error"]; ok {
		t.Error("unexpected error field for a successful request")
	}
}

func TestLogRequestError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logging.LogRequest(logger, logging.RequestEntry{
		Method:     "GET",
		StatusCode: 502,
		Err:        errors.New("no route found"),
	})

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m["level"] != "WARN" {
		t.Errorf("level: got %v, want WARN", m["level"])
	}
	if m["error"] != "no route found" {
		t.Errorf("error: got %v", m["error"])
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(&buf, "text", slog.LevelWarn)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "k=v") {
		t.Errorf("unexpected text output: %q", out)
	}

	if _, err := logging.New(&buf, "xml", slog.LevelInfo); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := logging.ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q): got %v, %v", in, got, err)
		}
	}
	if _, err := logging.ParseLevel("loud"); err == nil {
		t.Error("expected error")
	}
}
