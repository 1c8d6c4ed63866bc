package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	logger := New("notifier-test")
	if logger == nil {
		t.Fatal("New() returned nil logger")
	}
	if logger.service != "notifier-test" {
		t.Errorf("New() service = %q, want %q", logger.service, "notifier-test")
	}
}

func TestLogEntry_Levels(t *testing.T) {
	tests := []struct {
		name  string
		logFn func(e *LogEntry)
		level string
		msg   string
	}{
		{"debug", func(e *LogEntry) { e.Debug("d") }, "debug", "d"},
		{"info", func(e *LogEntry) { e.Info("i") }, "info", "i"},
		{"infof", func(e *LogEntry) { e.Infof("n=%d", 3) }, "info", "n=3"},
		{"warn", func(e *LogEntry) { e.Warn("w") }, "warn", "w"},
		{"warnf", func(e *LogEntry) { e.Warnf("%s!", "w") }, "warn", "w!"},
		{"error", func(e *LogEntry) { e.Error("e") }, "error", "e"},
		{"errorf", func(e *LogEntry) { e.Errorf("code %d", 500) }, "error", "code 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.logFn(NewWithWriter("svc", &buf).Plain())

			lines := decodeLines(t, &buf)
			if len(lines) != 1 {
				t.Fatalf("got %d lines, want 1", len(lines))
			}
			if lines[0]["level"] != tt.level {
				t.Errorf("level = %v, want %v", lines[0]["level"], tt.level)
			}
			if lines[0]["msg"] != tt.msg {
				t.Errorf("msg = %v, want %v", lines[0]["msg"], tt.msg)
			}
			if lines[0]["service"] != "svc" {
				t.Errorf("service = %v, want svc", lines[0]["service"])
			}
		})
	}
}

func TestLogEntry_DomainFields(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("svc", &buf).Plain().
		WithDedupKey("pr_opened:9999").
		WithEventType("pr_opened").
		WithChannel("chat").
		WithField("reason", "not_in_channel").
		WithError(errors.New("slack: not_in_channel")).
		Warn("chat delivery failed")

	line := decodeLines(t, &buf)[0]
	if line["dedup_key"] != "pr_opened:9999" {
		t.Errorf("dedup_key = %v, want pr_opened:9999", line["dedup_key"])
	}
	if line["event_type"] != "pr_opened" {
		t.Errorf("event_type = %v, want pr_opened", line["event_type"])
	}
	if line["channel"] != "chat" {
		t.Errorf("channel = %v, want chat", line["channel"])
	}
	fields, ok := line["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing: %v", line)
	}
	if fields["reason"] != "not_in_channel" || fields["error"] != "slack: not_in_channel" {
		t.Errorf("fields = %v", fields)
	}
}

func TestLogEntry_EmptyFieldsOmitted(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("svc", &buf).Plain().WithError(nil).Info("hello")

	if strings.Contains(buf.String(), `"fields"`) {
		t.Errorf("empty fields should be omitted: %s", buf.String())
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	NewWithWriter("svc", &buf).WithContext(ctx).Info("traced")

	line := decodeLines(t, &buf)[0]
	if line["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", line["trace_id"], span.SpanContext().TraceID())
	}

	buf.Reset()
	NewWithWriter("svc", &buf).WithContext(context.Background()).Info("untraced")
	if _, ok := decodeLines(t, &buf)[0]["trace_id"]; ok {
		t.Error("trace_id present without a span")
	}
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Plain().WithField("i", i).Info("concurrent")
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 50 {
		t.Errorf("got %d lines, want 50", got)
	}
}

func TestSetDefaultService(t *testing.T) {
	original := defaultLogger.service
	defer SetDefaultService(original)

	SetDefaultService("notifyctl")
	if got := Plain().Service; got != "notifyctl" {
		t.Errorf("Plain().Service = %q, want %q", got, "notifyctl")
	}
	if got := WithContext(context.Background()).Service; got != "notifyctl" {
		t.Errorf("WithContext().Service = %q, want %q", got, "notifyctl")
	}
}
