// Package dedupe gates message re-ingestion with per-stream high-watermark
// tracking.
//
// A message is a duplicate when its provenance sn is at or below the
// highest sn already seen for its source stream. The first sighting of a
// stream seeds the watermark from the durable store with a single
// MaxProvenance query; every later decision for that stream is answered
// from memory for the lifetime of the Deduper.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/docstore"
)

// Config configures a Deduper.
type Config struct {
	// Collection is the collection whose provenance records seed the
	// watermarks.
	Collection string

	// MaxEntries bounds the watermark cache, evicting the oldest-seeded
	// stream when a new one would exceed it. Zero means unbounded, which
	// is only suitable for a finite set of active streams. Evicting a
	// stream whose latest pass has not been persisted yet can let one
	// duplicate through, so size the bound above the active stream count.
	MaxEntries int

	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger ds.Logger

	// Metrics receives one record per watermark seed query. If nil,
	// metrics are disabled.
	Metrics ds.MetricsSink

	// Account tags metrics with the target account name.
	Account string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Collection: "documents",
	}
}

// Deduper decides whether a message has already been ingested.
//
// The watermark cache is owned by the instance; two Dedupers never share
// state.
type Deduper struct {
	store  docstore.Store
	config Config

	mu         sync.Mutex
	watermarks map[string]int64
	seeded     []string
}

// NewDeduper creates a Deduper over the given document store.
func NewDeduper(store docstore.Store, config Config) *Deduper {
	return &Deduper{
		store:      store,
		config:     config,
		watermarks: make(map[string]int64),
	}
}

// IsDupe reports whether the message identified by p was already ingested.
// A pass advances the stream's watermark to p.Sn, so asking again about
// the same sn reports a duplicate. Messages without provenance can not be
// deduplicated and always pass.
func (d *Deduper) IsDupe(ctx context.Context, p ds.Provenance) (bool, error) {
	if p.StreamID == "" {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	wm, ok := d.watermarks[p.StreamID]
	if !ok {
		// Seeding runs under the lock so each stream is queried once.
		var err error
		wm, err = d.seed(ctx, p.StreamID)
		if err != nil {
			return false, err
		}
	}

	if p.Sn <= wm {
		if d.config.Logger != nil {
			d.config.Logger.Debug(ctx, "duplicate message rejected",
				"stream", p.StreamID,
				"sn", p.Sn,
				"watermark", wm)
		}
		return true, nil
	}

	d.watermarks[p.StreamID] = p.Sn
	return false, nil
}

// seed installs a stream's watermark from the durable store, evicting the
// oldest-seeded stream when the cache is bounded and full.
func (d *Deduper) seed(ctx context.Context, streamID string) (int64, error) {
	wm, receipt, err := d.store.MaxProvenance(ctx, d.config.Collection, streamID)
	d.recordCall(ctx, receipt, err)
	if err != nil {
		return 0, fmt.Errorf("failed to seed watermark for stream %q: %w", streamID, err)
	}

	if d.config.MaxEntries > 0 && len(d.watermarks) >= d.config.MaxEntries {
		evicted := d.seeded[0]
		d.seeded = d.seeded[1:]
		delete(d.watermarks, evicted)
		if d.config.Logger != nil {
			d.config.Logger.Debug(ctx, "watermark evicted",
				"stream", evicted,
				"max_entries", d.config.MaxEntries)
		}
	}

	d.watermarks[streamID] = wm
	d.seeded = append(d.seeded, streamID)
	return wm, nil
}

// recordCall reports the seed query to the metrics sink.
func (d *Deduper) recordCall(ctx context.Context, receipt docstore.Receipt, err error) {
	if d.config.Metrics == nil {
		return
	}

	kind := ds.CallSuccess
	status := receipt.StatusCode
	charge := receipt.RequestCharge
	if err != nil {
		kind = ds.CallError
		var reqErr *docstore.RequestError
		if errors.As(err, &reqErr) {
			status = reqErr.StatusCode
			charge = reqErr.Charge
		}
	}

	d.config.Metrics.RecordStoreCall(ctx, ds.StoreCall{
		Op:            "max-provenance",
		Account:       d.config.Account,
		Collection:    d.config.Collection,
		Kind:          kind,
		StatusCode:    status,
		RequestCharge: charge,
	})
}
