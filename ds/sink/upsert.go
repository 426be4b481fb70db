package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/codec"
	"github.com/streamhaus/docstream/ds/docstore"
)

// UpsertWriter is the materialized-view sink. A batch collapses into one
// last-write-wins upsert: the first intent supplies the stream key, base sn
// and trace context, the last intent for that key supplies the content, and
// the written sn advances by the number of collapsed intents. A nil message
// on the final intent upserts a tombstone rather than deleting the row.
//
// In streaming mode the upstream has no ordering to protect: the sn is
// always written as 0 and the optimistic concurrency check is disabled.
//
// The batch is atomic only because the framework hands this sink batches
// that target exactly one key. Unlike the append log, the upsert is not
// idempotent under redelivery: see the conflict semantics in the package
// documentation.
type UpsertWriter struct {
	store     docstore.Store
	codec     *codec.Codec
	config    Config
	streaming bool
}

// NewUpsertWriter creates the event-sourced upsert sink, which verifies
// the expected sn on every write.
func NewUpsertWriter(store docstore.Store, c *codec.Codec, config Config) *UpsertWriter {
	return &UpsertWriter{
		store:  store,
		codec:  c,
		config: config.normalize(),
	}
}

// NewStreamingUpsertWriter creates the streaming upsert sink, which writes
// sn 0 and skips the optimistic concurrency check.
func NewStreamingUpsertWriter(store docstore.Store, c *codec.Codec, config Config) *UpsertWriter {
	w := NewUpsertWriter(store, c, config)
	w.streaming = true
	return w
}

// Sink implements Sink.
func (w *UpsertWriter) Sink(ctx context.Context, intents []ds.WriteIntent, rc ds.RetryContext) error {
	if len(intents) == 0 {
		return ErrNoIntents
	}

	first := intents[0]
	target := first.Ref.Key.Resolve()

	// collapse to the last intent for the first intent's key
	last := first
	count := int64(0)
	for _, intent := range intents {
		if intent.Ref.Key != first.Ref.Key {
			continue
		}
		last = intent
		count++
	}

	sn := first.Ref.Sn + count
	if w.streaming {
		sn = 0
	}

	doc := ds.Document{
		ID:        target.Key,
		StreamID:  target.Key,
		Sn:        sn,
		WrittenAt: time.Now().UTC(),
	}
	if first.Event != nil && first.Event.Span.IsValid() {
		doc.TraceID = first.Event.Span.TraceID().String()
		doc.SpanID = first.Event.Span.SpanID().String()
	}
	if last.Event != nil {
		doc.EventType = last.Event.Type
		doc.TTL = last.Event.TTL
		doc.Provenance = last.Event.Provenance

		data, err := w.codec.Encode(last.Event.Message)
		if err != nil {
			err = fmt.Errorf("failed to encode upsert content: %w", err)
			if w.config.Logger != nil {
				w.config.Logger.Error(ctx, "failed to build document", "key", target.Key, "error", err.Error())
			}
			rc.Bail(err)
			return err
		}
		doc.Data = data
	}

	req := docstore.UpsertRequest{
		Collection: target.Collection,
		Key:        target.Key,
		BaseSn:     first.Ref.Sn,
		VerifySn:   !w.streaming,
		Doc:        doc,
	}
	receipt, err := w.store.Upsert(ctx, req)
	w.config.recordCall(ctx, "upsert", target, receipt, err)
	if err != nil {
		return dispatchStoreError(ctx, w.config, rc, err)
	}

	if w.config.Logger != nil {
		w.config.Logger.Info(ctx, "document upserted",
			"key", target.Key,
			"sn", sn,
			"collapsed_intents", count,
			"tombstone", doc.IsTombstone())
	}
	return nil
}

var _ Sink = (*UpsertWriter)(nil)
