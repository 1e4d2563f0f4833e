package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) Logger {
	return New(slog.New(slog.NewJSONHandler(buf, nil)))
}

func TestLoggerInfoIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)

	log.Info("accepted request", Fields{"tenant_id": "contoso", "status": 202})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not valid JSON: %v, output: %s", err, buf.String())
	}
	if line["msg"] != "accepted request" {
		t.Fatalf("unexpected msg: %v", line["msg"])
	}
	if line["tenant_id"] != "contoso" {
		t.Fatalf("expected tenant_id field, got %v", line)
	}
}

func TestLoggerErrorIncludesErrorField(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)

	log.Error("publish failed", errors.New("boom"), Fields{"topic": "events.raw.v1"})

	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("expected error message in output, got %s", buf.String())
	}
}

func TestWithReturnsScopedLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)
	scoped := log.With(Fields{"request_id": "abc"})

	scoped.Info("hello", nil)

	if !strings.Contains(buf.String(), "abc") {
		t.Fatalf("expected scoped field in output, got %s", buf.String())
	}
}

func TestWatermillAdapterRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)
	adapter := NewWatermillAdapter(log)

	adapter.Info("routing started", map[string]any{"handler": "persist"})

	if !strings.Contains(buf.String(), "routing started") {
		t.Fatalf("expected message in output, got %s", buf.String())
	}
}
