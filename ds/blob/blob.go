// Package blob defines the named byte blob storage contract backing
// snapshot persistence.
package blob

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the named blob does not exist.
	ErrNotFound = errors.New("blob not found")
)

// Store is a minimal named blob store.
type Store interface {
	// Get returns the named blob's content.
	// Returns ErrNotFound when the blob does not exist.
	Get(ctx context.Context, name string) ([]byte, error)

	// Put creates or replaces the named blob.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes the named blob. Removing an absent blob is not an
	// error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs starting with prefix, sorted
	// ascending.
	List(ctx context.Context, prefix string) ([]string, error)
}
