package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamhaus/docstream/ds"
)

// SpanMetrics records each store call as an event on the span active in
// the caller's context. Calls made outside a recording span are dropped.
type SpanMetrics struct{}

// RecordStoreCall implements ds.MetricsSink.
func (SpanMetrics) RecordStoreCall(ctx context.Context, call ds.StoreCall) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("docstore.call", trace.WithAttributes(
		attribute.String("docstore.op", call.Op),
		attribute.String("docstore.account", call.Account),
		attribute.String("docstore.collection", call.Collection),
		attribute.String("docstore.kind", string(call.Kind)),
		attribute.Int("docstore.status_code", call.StatusCode),
		attribute.Float64("docstore.request_charge", call.RequestCharge),
	))
}

var _ ds.MetricsSink = SpanMetrics{}
