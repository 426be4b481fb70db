package queue

import (
	"context"
	"fmt"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/conflict"
	"github.com/streamhaus/docstream/ds/dedupe"
	"github.com/streamhaus/docstream/ds/docstore"
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	// Collection is the target for messages that do not name one.
	Collection string

	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger ds.Logger
}

// Relay ingests consumed messages into a document store.
//
// A message lands as one append-log insert at the carried sn. Two
// duplicate shields stack: an optional Deduper answers from provenance
// watermarks before any store round trip, and a sequence conflict on the
// insert itself means an earlier delivery already claimed the slot. Both
// come back as ErrDuplicate so consumers settle the delivery as done.
type Relay struct {
	store   docstore.Store
	deduper *dedupe.Deduper
	config  RelayConfig
}

// NewRelay creates a Relay over the given document store. The deduper is
// optional; without one only the insert collision shield applies.
func NewRelay(store docstore.Store, deduper *dedupe.Deduper, config RelayConfig) *Relay {
	return &Relay{store: store, deduper: deduper, config: config}
}

// HandleMessage implements Handler.
func (r *Relay) HandleMessage(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	doc := msg.Document
	if r.deduper != nil && doc.Provenance != nil {
		dup, err := r.deduper.IsDupe(ctx, *doc.Provenance)
		if err != nil {
			return fmt.Errorf("queue: dedupe check for %q: %w", msg.Key, err)
		}
		if dup {
			return ErrDuplicate
		}
	}

	if doc.ID == "" {
		doc.ID = ds.AppendDocID(msg.Key, doc.Sn)
	}
	collection := msg.Collection
	if collection == "" {
		collection = r.config.Collection
	}

	_, err := r.store.AppendBatch(ctx, docstore.AppendRequest{
		Collection: collection,
		Key:        msg.Key,
		BaseSn:     doc.Sn - 1,
		Docs:       []ds.Document{doc},
	})
	if err != nil {
		if conflict.IsSequenceConflict(err) {
			if r.config.Logger != nil {
				r.config.Logger.Debug(ctx, "redelivered document already stored",
					"key", msg.Key,
					"sn", doc.Sn,
					"source", msg.Source,
					"source_ref", msg.SourceRef)
			}
			return ErrDuplicate
		}
		return fmt.Errorf("queue: relay append for %q: %w", msg.Key, err)
	}

	if r.config.Logger != nil {
		r.config.Logger.Debug(ctx, "message relayed",
			"key", msg.Key,
			"sn", doc.Sn,
			"source", msg.Source)
	}
	return nil
}
