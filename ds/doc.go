// Package ds provides core document streaming infrastructure.
//
// # Overview
//
// This package defines the fundamental types and interfaces for streaming
// state into a document store:
//   - StreamKey / StateRef: stream identity and optimistic concurrency
//   - Event / WriteIntent: one logical state change and its expectation
//   - Document: the persisted record shape
//   - RetryContext: cooperation surface with an external retry controller
//   - Logger / MetricsSink: optional observability hooks
//
// # Design Philosophy
//
// Clean Architecture: Core interfaces are backend-agnostic. Infrastructure
// concerns (like PostgreSQL or Pebble) are isolated in adapter packages.
//
// External Retry: The library never sleeps or loops. Writers cooperate with
// the host framework's retry controller through two signals: Bail (this
// error is final) and SetNextRetryInterval (honor a server backoff hint).
// Everything else surfaces as a returned error for the controller to retry.
//
// Immutability: Append-log documents are value objects identified by
// (StreamKey, sn) and never mutated after commit. Materialized-view
// documents are replaced wholesale, gated by an expected-sn check.
//
// # Quick Start
//
// 1. Generate database migrations:
//
//	go run github.com/streamhaus/docstream/cmd/migrate-gen -output migrations
//
// 2. Apply migrations to your database
//
// 3. Create a document store:
//
//	import (
//	    "github.com/streamhaus/docstream/ds/adapters/postgres"
//	    "github.com/streamhaus/docstream/ds/sink"
//	)
//
//	store := postgres.NewStore(db, postgres.DefaultStoreConfig())
//
// 4. Append documents:
//
//	writer := sink.NewAppendLogWriter(store, codec, sink.DefaultConfig())
//
//	intents := []ds.WriteIntent{
//	    {
//	        Ref:   ds.StateRef{Key: "order-1", Sn: 0},
//	        Event: &ds.Event{Type: "OrderCreated", Message: order},
//	    },
//	}
//
//	if err := writer.Sink(ctx, intents, retryCtx); err != nil {
//	    return err
//	}
//
// 5. Read the stream back:
//
//	r := reader.New(store, codec, provider, reader.DefaultConfig())
//	result, err := r.Load(ctx, "order-1", 0)
//
// # Optimistic Concurrency
//
// Every write carries the sequence number the caller last observed. The
// store validates the expectation atomically with the write, inside a single
// partition:
//   - An append for base sn b inserts documents at b+1, b+2, ...
//   - The write is rejected if the live sn has advanced past b
//   - Rejections surface as structured sequence conflicts (see ds/conflict)
//
// This prevents lost updates when multiple writers target the same stream.
//
// # Snapshots
//
// Long streams are read from the newest usable snapshot plus the event tail.
// The snapshot index is a sorted catalog of available snapshot sequence
// numbers per stream. See the snapshot and reader packages for details.
//
// # Persisted Layout
//
// The append-log model stores one document per (StreamKey, sn) with:
//   - id: "<key>-<sn>"
//   - stream_id, sn: stream identity and position
//   - event_type: logical payload type name
//   - data: encoded payload, null for tombstones
//   - trace_id, span_id: trace context of the writing intent
//   - ttl, provenance: optional per-write metadata
//
// The upsert model stores one document per StreamKey under id = key, with sn
// advancing on every committed write.
//
// # Design Decisions
//
// Encoded payloads as JSON values: document stores round-trip binary through
// JSON, so raw bytes are wrapped in an array-of-byte-values shape and
// JSON-native payloads are embedded directly. See ds/codec.
//
// DBTX interface: relational helpers work with *sql.DB and *sql.Tx. No
// transaction management in the library keeps transaction boundaries under
// caller control.
//
// Error classification as data: backend error bodies are matched against a
// table of patterns rather than inline conditionals, because the coupling to
// vendor message text is the fragile part and belongs in one place. See
// ds/conflict.
package ds
