package telemetry_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/telemetry"
)

func TestSpanMetricsRecordsEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Fatal(err)
		}
	}()

	ctx, span := tp.Tracer("telemetry-test").Start(context.Background(), "append")
	telemetry.SpanMetrics{}.RecordStoreCall(ctx, ds.StoreCall{
		Op:            "append",
		Account:       "acct",
		Collection:    "orders",
		Kind:          ds.CallSequenceConflict,
		StatusCode:    409,
		RequestCharge: 6.28,
	})
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	events := ended[0].Events()
	if len(events) != 1 {
		t.Fatalf("span events = %d, want 1", len(events))
	}
	if events[0].Name != "docstore.call" {
		t.Errorf("event name = %q", events[0].Name)
	}

	attrs := make(map[attribute.Key]attribute.Value, len(events[0].Attributes))
	for _, kv := range events[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["docstore.op"].AsString(); got != "append" {
		t.Errorf("op attribute = %q", got)
	}
	if got := attrs["docstore.collection"].AsString(); got != "orders" {
		t.Errorf("collection attribute = %q", got)
	}
	if got := attrs["docstore.kind"].AsString(); got != string(ds.CallSequenceConflict) {
		t.Errorf("kind attribute = %q", got)
	}
	if got := attrs["docstore.status_code"].AsInt64(); got != 409 {
		t.Errorf("status_code attribute = %d", got)
	}
	if got := attrs["docstore.request_charge"].AsFloat64(); got != 6.28 {
		t.Errorf("request_charge attribute = %v", got)
	}
}

func TestSpanMetricsWithoutSpanIsNoOp(t *testing.T) {
	telemetry.SpanMetrics{}.RecordStoreCall(context.Background(), ds.StoreCall{
		Op:   "read-range",
		Kind: ds.CallSuccess,
	})
}
