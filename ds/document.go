package ds

import (
	"encoding/json"
	"strconv"
	"time"
)

// Document is the persisted record shape shared by the append-log and
// materialized-view models.
//
// In the append log a stream owns one immutable document per (StreamID, Sn)
// with ID "<key>-<sn>". In the upsert model a stream owns a single document
// with ID equal to the key, replaced wholesale on every committed write.
type Document struct {
	// ID is the storage identity
	ID string

	// StreamID is the resolved partition key
	StreamID string

	// Sn is the document's sequence number within the stream
	Sn int64

	// EventType names the logical payload type for decoding
	EventType string

	// Data is the encoded payload as a JSON value; nil marks a tombstone
	Data json.RawMessage

	// WrittenAt is the writer-side timestamp
	WrittenAt time.Time

	// TraceID and SpanID capture the writing intent's trace context
	TraceID string
	SpanID  string

	// TTL is the optional time-to-live attached to the write; zero means none
	TTL time.Duration

	// Provenance optionally records the source stream/sn that produced
	// this document
	Provenance *Provenance
}

// IsTombstone reports whether the document marks "no current state".
func (d Document) IsTombstone() bool {
	return len(d.Data) == 0
}

// AppendDocID builds the append-log storage identity for a key and sn.
func AppendDocID(key string, sn int64) string {
	return key + "-" + strconv.FormatInt(sn, 10)
}
