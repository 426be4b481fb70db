// Package snapshot persists and resolves periodic snapshots of aggregated
// stream state.
//
// Snapshots live in a blob store. Each key owns an index blob named after
// the key, holding the ascending JSON array of sns a snapshot exists for,
// plus one state blob per snapshot named "<key>-<sn>". The Writer records
// snapshots on a fixed sn frequency; the Provider resolves the newest
// snapshot at or below a requested bound via a floor lookup on the index.
//
// The index only ever grows. Old snapshots are kept so that bounded reads
// at historical sns stay cheap.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/blob"
)

// IndexName returns the blob name holding the key's snapshot index.
func IndexName(key ds.StreamKey) string {
	return string(key)
}

// BlobName returns the blob name holding the key's snapshot at sn.
func BlobName(key ds.StreamKey, sn int64) string {
	return string(key) + "-" + strconv.FormatInt(sn, 10)
}

// FloorIndex returns the index of the largest sns entry not exceeding
// target, or -1 when sns is empty or target precedes every entry.
// sns must be sorted ascending.
func FloorIndex(target int64, sns []int64) int {
	// The first entry past target sits immediately after the floor.
	i := sort.Search(len(sns), func(i int) bool { return sns[i] > target })
	return i - 1
}

// InsertSorted inserts sn into the ascending list, keeping it sorted.
// It returns the resulting list and whether it changed; an sn already
// present leaves the list untouched.
func InsertSorted(sns []int64, sn int64) ([]int64, bool) {
	i := sort.Search(len(sns), func(i int) bool { return sns[i] >= sn })
	if i < len(sns) && sns[i] == sn {
		return sns, false
	}

	out := make([]int64, 0, len(sns)+1)
	out = append(out, sns[:i]...)
	out = append(out, sn)
	out = append(out, sns[i:]...)
	return out, true
}

// readIndex loads a key's snapshot index, treating an absent blob as an
// empty index.
func readIndex(ctx context.Context, blobs blob.Store, key ds.StreamKey) ([]int64, error) {
	data, err := blobs.Get(ctx, IndexName(key))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot index for stream %q: %w", key, err)
	}

	var sns []int64
	if err := json.Unmarshal(data, &sns); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot index for stream %q: %w", key, err)
	}
	return sns, nil
}
