package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/blob"
	"github.com/streamhaus/docstream/ds/reader"
)

// Provider resolves the newest usable snapshot for a key from blob storage.
type Provider struct {
	blobs blob.Store
}

// NewProvider creates a Provider over the given blob store.
func NewProvider(blobs blob.Store) *Provider {
	return &Provider{blobs: blobs}
}

// Get returns the sn and state of the newest snapshot for key whose sn does
// not exceed atSn (atSn <= 0 means no bound). A missing index or a missing
// state blob reads as "no snapshot", returning (0, nil, nil).
func (p *Provider) Get(ctx context.Context, key ds.StreamKey, atSn int64) (int64, []byte, error) {
	sns, err := readIndex(ctx, p.blobs, key)
	if err != nil {
		return 0, nil, err
	}

	target := atSn
	if target <= 0 {
		target = math.MaxInt64
	}
	idx := FloorIndex(target, sns)
	if idx < 0 {
		return 0, nil, nil
	}

	sn := sns[idx]
	state, err := p.blobs.Get(ctx, BlobName(key, sn))
	if errors.Is(err, blob.ErrNotFound) {
		// The index can point at a blob that never landed.
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read snapshot %s@sn=%d: %w", key, sn, err)
	}
	return sn, state, nil
}

var _ reader.SnapshotProvider = (*Provider)(nil)
