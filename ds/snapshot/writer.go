package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/blob"
)

// DefaultFrequency is the default snapshot interval in sns.
const DefaultFrequency = 100

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Frequency persists one snapshot every Frequency sns. Values below 1
	// fall back to DefaultFrequency.
	Frequency int64

	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger ds.Logger
}

// DefaultWriterConfig returns the default configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Frequency: DefaultFrequency,
	}
}

// Writer records snapshots of aggregated stream state on a fixed frequency.
type Writer struct {
	blobs  blob.Store
	config WriterConfig
}

// NewWriter creates a Writer over the given blob store.
func NewWriter(blobs blob.Store, config WriterConfig) *Writer {
	if config.Frequency < 1 {
		config.Frequency = DefaultFrequency
	}
	return &Writer{
		blobs:  blobs,
		config: config,
	}
}

// Record persists state as the snapshot of key at sn when sn falls on the
// configured frequency. Off-frequency sns cost no I/O. The state blob is
// written before the index so a crash between the two leaves the index
// pointing only at blobs that exist; re-recording the same sn overwrites
// the state blob but leaves the index untouched.
func (w *Writer) Record(ctx context.Context, key ds.StreamKey, sn int64, state []byte) error {
	if sn < 1 || sn%w.config.Frequency != 0 {
		return nil
	}

	if err := w.blobs.Put(ctx, BlobName(key, sn), state); err != nil {
		return fmt.Errorf("failed to persist snapshot %s@sn=%d: %w", key, sn, err)
	}

	sns, err := readIndex(ctx, w.blobs, key)
	if err != nil {
		return err
	}
	updated, changed := InsertSorted(sns, sn)
	if !changed {
		return nil
	}

	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot index for stream %q: %w", key, err)
	}
	if err := w.blobs.Put(ctx, IndexName(key), data); err != nil {
		return fmt.Errorf("failed to persist snapshot index for stream %q: %w", key, err)
	}

	if w.config.Logger != nil {
		w.config.Logger.Debug(ctx, "snapshot recorded",
			"key", key,
			"sn", sn,
			"index_size", len(updated))
	}
	return nil
}
