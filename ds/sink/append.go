package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/codec"
	"github.com/streamhaus/docstream/ds/conflict"
	"github.com/streamhaus/docstream/ds/docstore"
)

// AppendLogWriter is the event-sourced sink. Each batch becomes one atomic
// conditional multi-insert per stream key; sequence numbers are assigned
// deterministically from the key's expected base sn.
//
// Guarantees exposed upstream: writes are atomic within one partition key,
// idempotent under redelivery (the (key, sn) identity prevents duplicate
// application), and independent across distinct keys in the same batch.
type AppendLogWriter struct {
	store  docstore.Store
	codec  *codec.Codec
	config Config
}

// NewAppendLogWriter creates an append-log sink over the given store and
// codec.
func NewAppendLogWriter(store docstore.Store, c *codec.Codec, config Config) *AppendLogWriter {
	return &AppendLogWriter{
		store:  store,
		codec:  c,
		config: config.normalize(),
	}
}

// keyGroup is one stream key's slice of a batch, in arrival order.
type keyGroup struct {
	target  ds.StreamTarget
	base    int64
	intents []ds.WriteIntent
}

// groupIntents groups a batch by stream key, preserving first-seen group
// order and arrival order within each group. The group's base sn is the
// first intent's expectation.
func groupIntents(intents []ds.WriteIntent) []*keyGroup {
	var order []*keyGroup
	byKey := make(map[ds.StreamKey]*keyGroup)
	for _, intent := range intents {
		g, ok := byKey[intent.Ref.Key]
		if !ok {
			g = &keyGroup{
				target: intent.Ref.Key.Resolve(),
				base:   intent.Ref.Sn,
			}
			byKey[intent.Ref.Key] = g
			order = append(order, g)
		}
		g.intents = append(g.intents, intent)
	}
	return order
}

// Sink implements Sink.
//
// Intents are grouped by stream key. Within a group, non-marker intents are
// assigned sns base+1 .. base+N in arrival order and submitted as a single
// conditional bulk insert. A group containing only verification markers
// triggers a lightweight max-sn check instead of a write. Distinct keys are
// independent: the first failing key aborts the batch, and redelivery is
// safe because committed keys reject their re-submitted sns as conflicts.
func (w *AppendLogWriter) Sink(ctx context.Context, intents []ds.WriteIntent, rc ds.RetryContext) error {
	if len(intents) == 0 {
		return ErrNoIntents
	}

	if w.config.Logger != nil {
		w.config.Logger.Debug(ctx, "append sink starting", "intent_count", len(intents))
	}

	for _, g := range groupIntents(intents) {
		docs, err := w.buildDocs(g)
		if err != nil {
			if w.config.Logger != nil {
				w.config.Logger.Error(ctx, "failed to build documents", "key", g.target.Key, "error", err.Error())
			}
			rc.Bail(err)
			return err
		}

		if len(docs) == 0 {
			// verification markers only, nothing to insert
			if err := w.verify(ctx, g, rc); err != nil {
				return err
			}
			continue
		}

		req := docstore.AppendRequest{
			Collection: g.target.Collection,
			Key:        g.target.Key,
			BaseSn:     g.base,
			VerifySn:   true,
			Docs:       docs,
		}
		receipt, err := w.store.AppendBatch(ctx, req)
		w.config.recordCall(ctx, "append", g.target, receipt, err)
		if err != nil {
			return dispatchStoreError(ctx, w.config, rc, err)
		}

		if w.config.Logger != nil {
			w.config.Logger.Info(ctx, "batch appended",
				"key", g.target.Key,
				"doc_count", len(docs),
				"sn_range", fmt.Sprintf("%d-%d", g.base+1, g.base+int64(len(docs))))
		}
	}
	return nil
}

// buildDocs converts a group's non-marker intents into documents with
// consecutively assigned sns. Verification markers consume no sn.
func (w *AppendLogWriter) buildDocs(g *keyGroup) ([]ds.Document, error) {
	var docs []ds.Document
	next := g.base
	for _, intent := range g.intents {
		if intent.IsMarker() {
			continue
		}
		next++
		ev := intent.Event

		data, err := w.codec.Encode(ev.Message)
		if err != nil {
			return nil, fmt.Errorf("failed to encode intent for sn %d: %w", next, err)
		}

		doc := ds.Document{
			ID:         ds.AppendDocID(g.target.Key, next),
			StreamID:   g.target.Key,
			Sn:         next,
			EventType:  ev.Type,
			Data:       data,
			WrittenAt:  time.Now().UTC(),
			TTL:        ev.TTL,
			Provenance: ev.Provenance,
		}
		if ev.Span.IsValid() {
			doc.TraceID = ev.Span.TraceID().String()
			doc.SpanID = ev.Span.SpanID().String()
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// verify performs the lightweight consistency check for a group with
// nothing to insert: read the live max sn and raise a sequence conflict
// carrying the true actual sn on mismatch.
func (w *AppendLogWriter) verify(ctx context.Context, g *keyGroup, rc ds.RetryContext) error {
	actual, receipt, err := w.store.MaxSequence(ctx, g.target.Collection, g.target.Key)
	if err != nil {
		w.config.recordCall(ctx, "max-sequence", g.target, receipt, err)
		return dispatchStoreError(ctx, w.config, rc, err)
	}

	if actual != g.base {
		sc := &conflict.SequenceConflict{
			Details: conflict.Details{
				Key:        g.target.Key,
				NewSn:      g.base + 1,
				ExpectedSn: g.base,
				ActualSn:   actual,
			},
		}
		w.config.recordCall(ctx, "max-sequence", g.target, receipt, sc)
		if w.config.Logger != nil {
			w.config.Logger.Error(ctx, "state verification failed",
				"key", g.target.Key,
				"expected_sn", g.base,
				"actual_sn", actual)
		}
		rc.Bail(sc)
		return sc
	}

	w.config.recordCall(ctx, "max-sequence", g.target, receipt, nil)
	if w.config.Logger != nil {
		w.config.Logger.Debug(ctx, "state verified", "key", g.target.Key, "sn", actual)
	}
	return nil
}

var _ Sink = (*AppendLogWriter)(nil)
