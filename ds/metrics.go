package ds

import "context"

// CallKind classifies the outcome of one store call for metrics.
type CallKind string

const (
	// CallSuccess marks a completed call.
	CallSuccess CallKind = "success"
	// CallError marks a failed call of any non-conflict shape.
	CallError CallKind = "error"
	// CallSequenceConflict marks an optimistic concurrency rejection.
	CallSequenceConflict CallKind = "sequence-conflict"
)

// StoreCall describes one completed document-store round trip.
type StoreCall struct {
	// Op is the operation name, e.g. "append", "upsert", "read-range"
	Op string

	// Account and Collection identify the target
	Account    string
	Collection string

	// Kind is the classified outcome
	Kind CallKind

	// StatusCode is the http-status-equivalent reported by the backend
	StatusCode int

	// RequestCharge is the cost units the backend billed for the call
	RequestCharge float64
}

// MetricsSink receives one record per document-store round trip.
// Implementations must be safe for concurrent use and must not block.
type MetricsSink interface {
	RecordStoreCall(ctx context.Context, call StoreCall)
}

// NoOpMetrics is a MetricsSink that does nothing.
type NoOpMetrics struct{}

// RecordStoreCall implements MetricsSink.
func (NoOpMetrics) RecordStoreCall(_ context.Context, _ StoreCall) {}
