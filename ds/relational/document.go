package relational

import (
	"time"

	"github.com/streamhaus/docstream/ds"
)

// DocumentColumns is the canonical column order for bulk document loads
// into the tables provisioned by the migrations package.
var DocumentColumns = []string{
	"collection", "id", "stream_id", "sn", "event_type", "data",
	"written_at", "trace_id", "span_id", "ttl_seconds",
	"prov_stream_id", "prov_sn",
}

// DocumentRow flattens a document into DocumentColumns order. Absent
// optional fields become NULL.
func DocumentRow(collection string, doc *ds.Document) []interface{} {
	var traceID, spanID, ttl, provStream, provSn interface{}
	if doc.TraceID != "" {
		traceID = doc.TraceID
	}
	if doc.SpanID != "" {
		spanID = doc.SpanID
	}
	if doc.TTL > 0 {
		ttl = int64(doc.TTL / time.Second)
	}
	if doc.Provenance != nil {
		provStream = doc.Provenance.StreamID
		provSn = doc.Provenance.Sn
	}

	writtenAt := doc.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now().UTC()
	}

	return []interface{}{
		collection,
		doc.ID,
		doc.StreamID,
		doc.Sn,
		doc.EventType,
		doc.Data,
		writtenAt,
		traceID,
		spanID,
		ttl,
		provStream,
		provSn,
	}
}

// DocumentRows flattens a batch of documents for Inserter.Insert.
func DocumentRows(collection string, docs []ds.Document) [][]interface{} {
	rows := make([][]interface{}, len(docs))
	for i := range docs {
		rows[i] = DocumentRow(collection, &docs[i])
	}
	return rows
}

// NewDocumentInserter builds an inserter preconfigured for a documents
// table in the given dialect. Use NewInserter with DocumentColumns directly
// when chunking or logging needs configuring.
func NewDocumentInserter(table string, dialect Dialect) (*Inserter, error) {
	return NewInserter(Config{Table: table, Columns: DocumentColumns, Dialect: dialect})
}
