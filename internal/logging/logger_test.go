package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q: %v", line, err)
	}
	return entry
}

func TestKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "DEBUG", JSONFormat: true, Component: "market"}, &buf)

	l.Info("tick applied", "market", "KRW-BTC", "price", 105.0, "error", errors.New("boom"))

	entry := decodeLine(t, &buf)
	if entry["message"] != "tick applied" {
		t.Errorf("unexpected message %v", entry["message"])
	}
	if entry["component"] != "market" {
		t.Errorf("expected component market, got %v", entry["component"])
	}
	if entry["market"] != "KRW-BTC" {
		t.Errorf("expected market field, got %v", entry["market"])
	}
	if entry["error"] != "boom" {
		t.Errorf("expected error string, got %v", entry["error"])
	}
	if entry["level"] != "info" {
		t.Errorf("expected level info, got %v", entry["level"])
	}
}

func TestPrintfArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "INFO", JSONFormat: true}, &buf)

	l.Warn("retry in %dms", 3000)

	entry := decodeLine(t, &buf)
	if entry["message"] != "retry in 3000ms" {
		t.Errorf("unexpected message %v", entry["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "WARN", JSONFormat: true}, &buf)

	l.Info("hidden")
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below WARN, got %q", buf.String())
	}

	l.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected error to be written")
	}
}

func TestWithFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "INFO", JSONFormat: true, Component: "app"}, &buf)

	l := base.WithComponent("notification").WithField("user_id", "u1").WithError(errors.New("denied"))
	l.Info("connect failed")

	entry := decodeLine(t, &buf)
	if entry["component"] != "notification" {
		t.Errorf("expected component override, got %v", entry["component"])
	}
	if entry["user_id"] != "u1" {
		t.Errorf("expected user_id field, got %v", entry["user_id"])
	}
	if entry["error"] != "denied" {
		t.Errorf("expected error field, got %v", entry["error"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "debug",
		"WARNING": "warn",
		"error":   "error",
		"bogus":   "info",
	}
	for in, want := range cases {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestTraceContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "INFO", JSONFormat: true}, &buf)

	ctx, l := WithTraceContext(context.Background(), base)
	id := TraceIDFromContext(ctx)
	if id == "" {
		t.Fatal("expected trace id in context")
	}
	if FromContext(ctx) != l {
		t.Error("expected FromContext to return the trace logger")
	}

	l.Info("request")
	entry := decodeLine(t, &buf)
	if entry["trace_id"] != id {
		t.Errorf("expected trace_id %s, got %v", id, entry["trace_id"])
	}
}

func TestNopDiscards(t *testing.T) {
	// Must not panic
	Nop().WithComponent("x").Error("ignored", "k", "v")
}
