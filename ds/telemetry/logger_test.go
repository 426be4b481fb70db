package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamhaus/docstream/ds/telemetry"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v\n%s", err, buf.String())
	}
	return line
}

func TestLoggerWritesTypedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLogger(zerolog.New(&buf))

	logger.Info(context.Background(), "document appended",
		"collection", "orders",
		"sn", int64(42),
		"charge", 6.28,
		"tombstone", false,
		"elapsed", 150*time.Millisecond,
		"data", json.RawMessage(`{"total":3}`),
	)

	line := logLine(t, &buf)
	if line["level"] != "info" {
		t.Errorf("level = %v", line["level"])
	}
	if line["message"] != "document appended" {
		t.Errorf("message = %v", line["message"])
	}
	if line["collection"] != "orders" {
		t.Errorf("collection = %v", line["collection"])
	}
	if line["sn"] != float64(42) {
		t.Errorf("sn = %v", line["sn"])
	}
	if line["tombstone"] != false {
		t.Errorf("tombstone = %v", line["tombstone"])
	}
	if line["elapsed"] != "150ms" {
		t.Errorf("elapsed = %v", line["elapsed"])
	}
	data, ok := line["data"].(map[string]interface{})
	if !ok || data["total"] != float64(3) {
		t.Errorf("data = %v", line["data"])
	}
}

func TestLoggerErrorLevelAndField(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLogger(zerolog.New(&buf))

	logger.Error(context.Background(), "append failed", "error", errors.New("boom"))

	line := logLine(t, &buf)
	if line["level"] != "error" {
		t.Errorf("level = %v", line["level"])
	}
	if line["error"] != "boom" {
		t.Errorf("error = %v", line["error"])
	}
}

func TestLoggerAttachesSpanContext(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	if err != nil {
		t.Fatal(err)
	}
	spanID, err := trace.SpanIDFromHex("0102030405060708")
	if err != nil {
		t.Fatal(err)
	}
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	var buf bytes.Buffer
	logger := telemetry.NewLogger(zerolog.New(&buf))
	logger.Warn(ctx, "sequence gap detected", "key", "order-1")

	line := logLine(t, &buf)
	if line["trace_id"] != "0102030405060708090a0b0c0d0e0f10" {
		t.Errorf("trace_id = %v", line["trace_id"])
	}
	if line["span_id"] != "0102030405060708" {
		t.Errorf("span_id = %v", line["span_id"])
	}
}

func TestLoggerSkipsInvalidSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLogger(zerolog.New(&buf))
	logger.Debug(context.Background(), "probe")

	line := logLine(t, &buf)
	if _, found := line["trace_id"]; found {
		t.Errorf("unexpected trace_id on spanless context: %v", line["trace_id"])
	}
}

func TestLoggerDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLogger(zerolog.New(&buf))
	logger.Info(context.Background(), "probe", "key", "value", "dangling")

	line := logLine(t, &buf)
	if line["key"] != "value" {
		t.Errorf("key = %v", line["key"])
	}
	if line["arg"] != "dangling" {
		t.Errorf("arg = %v", line["arg"])
	}
}
