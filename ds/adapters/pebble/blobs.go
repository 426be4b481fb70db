package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"

	"github.com/streamhaus/docstream/ds/blob"
)

// BlobStore is a Pebble-backed blob store. It can share a database with a
// Store; blob keys live under their own prefix.
type BlobStore struct {
	db   *pebble.DB
	opts *pebble.WriteOptions
}

// NewBlobStore creates a blob store on top of an open Pebble database.
func NewBlobStore(db *pebble.DB, syncWrites bool) *BlobStore {
	opts := pebble.NoSync
	if syncWrites {
		opts = pebble.Sync
	}
	return &BlobStore{db: db, opts: opts}
}

// Get implements blob.Store.
func (b *BlobStore) Get(ctx context.Context, name string) ([]byte, error) {
	val, closer, err := b.db.Get(keyBlob(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob %q: %w", name, err)
	}
	defer closer.Close()

	buf := append([]byte(nil), val...)
	return buf, nil
}

// Put implements blob.Store.
func (b *BlobStore) Put(ctx context.Context, name string, data []byte) error {
	if err := b.db.Set(keyBlob(name), data, b.opts); err != nil {
		return fmt.Errorf("failed to put blob %q: %w", name, err)
	}
	return nil
}

// Delete implements blob.Store.
func (b *BlobStore) Delete(ctx context.Context, name string) error {
	if err := b.db.Delete(keyBlob(name), b.opts); err != nil {
		return fmt.Errorf("failed to delete blob %q: %w", name, err)
	}
	return nil
}

// List implements blob.Store. Names come back sorted because the keys are.
func (b *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	low := keyBlob(prefix)
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: low})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < len(blobPrefix) || string(key[:len(blobPrefix)]) != string(blobPrefix) {
			break
		}
		name := string(key[len(blobPrefix):])
		if !strings.HasPrefix(name, prefix) {
			break
		}
		names = append(names, name)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return names, nil
}

// Ensure the contract is satisfied
var _ blob.Store = (*BlobStore)(nil)
