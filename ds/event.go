package ds

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Provenance records the source stream and sequence number that produced a
// write. It is persisted with the document for cross-stream lineage and
// consumed by the ingestion deduper.
type Provenance struct {
	StreamID string
	Sn       int64
}

// Event is one logical state change to persist.
//
// A nil Message marks a tombstone (the key has no current value, distinct
// from the document being absent) and is persisted with empty data rather
// than being encoded.
type Event struct {
	// Type identifies the logical payload type for decoding
	Type string

	// Message is the payload prior to encoding; nil marks a tombstone
	Message interface{}

	// TTL is an optional per-document time-to-live; zero means none
	TTL time.Duration

	// Span carries the trace context recorded on the stored document
	Span trace.SpanContext

	// Provenance optionally points at the source stream/sn of this write
	Provenance *Provenance
}

// WriteIntent couples an event with the caller's optimistic concurrency
// expectation.
//
// A nil Event is a bare state-verification marker: nothing is written for
// it, but the stream's live sn is still checked against Ref.Sn when the
// marker is the only content for its key.
type WriteIntent struct {
	Ref   StateRef
	Event *Event
}

// IsMarker reports whether the intent carries no payload and exists only to
// verify the stream's current sequence number.
func (w WriteIntent) IsMarker() bool {
	return w.Event == nil
}
