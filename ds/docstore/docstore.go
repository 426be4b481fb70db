// Package docstore provides document store abstractions shared by all
// backend adapters.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streamhaus/docstream/ds"
)

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")
)

// AppendRequest is one atomic conditional multi-insert for a single stream.
type AppendRequest struct {
	// Collection targets a non-default collection when set
	Collection string

	// Key is the resolved partition key
	Key string

	// BaseSn is the caller's expected current sn for the stream
	BaseSn int64

	// VerifySn enables the optimistic concurrency check against BaseSn
	VerifySn bool

	// Docs are the documents to insert, carrying pre-assigned ascending sns
	Docs []ds.Document
}

// UpsertRequest replaces a stream's single materialized document.
type UpsertRequest struct {
	// Collection targets a non-default collection when set
	Collection string

	// Key is the resolved partition key
	Key string

	// BaseSn is the expected current sn; ignored unless VerifySn is set
	BaseSn int64

	// VerifySn enables the optimistic concurrency check against BaseSn
	VerifySn bool

	// Doc is the replacement document with ID = Key and its target sn
	// already assigned
	Doc ds.Document
}

// RangeQuery reads an ascending-by-sn window of a stream's append log.
type RangeQuery struct {
	// Collection targets a non-default collection when set
	Collection string

	// Key is the resolved partition key
	Key string

	// FromSn is the first sn to include
	FromSn int64

	// MaxCount bounds the result size; zero means unbounded
	MaxCount int64
}

// Receipt carries the billing and correlation metadata of one store call.
type Receipt struct {
	// RequestCharge is the cost units billed by the backend
	RequestCharge float64

	// StatusCode is the http-status-equivalent of the outcome
	StatusCode int

	// ActivityID correlates the call with backend-side diagnostics
	ActivityID string
}

// Store is the document store contract all backend adapters implement.
//
// Implementations must execute AppendBatch and Upsert atomically within a
// single partition, validating the expected sn server-side in the same
// transaction as the write. Rejections surface as a *RequestError whose
// message matches one of the shapes recognized by the conflict package.
type Store interface {
	// AppendBatch atomically inserts the request's documents into the
	// stream's append log. When VerifySn is set, the insert is rejected
	// with a sequence-conflict error if the stream's live max sn no
	// longer equals BaseSn.
	AppendBatch(ctx context.Context, req AppendRequest) (Receipt, error)

	// Upsert creates or replaces the stream's materialized document.
	// When VerifySn is set, the write is rejected with a
	// sequence-conflict error if the live sn no longer equals BaseSn.
	Upsert(ctx context.Context, req UpsertRequest) (Receipt, error)

	// ReadRange returns documents ordered ascending by sn, starting at
	// q.FromSn, up to q.MaxCount documents (unbounded when zero).
	ReadRange(ctx context.Context, q RangeQuery) ([]ds.Document, Receipt, error)

	// Get returns the stream's materialized document.
	// Returns ErrNotFound when the stream has no document.
	Get(ctx context.Context, collection, key string) (ds.Document, Receipt, error)

	// MaxSequence returns the stream's live max sn, 0 for an empty stream.
	MaxSequence(ctx context.Context, collection, key string) (int64, Receipt, error)

	// MaxProvenance returns the highest provenance sn recorded in the
	// collection for documents produced from the given source stream,
	// 0 when none exist.
	MaxProvenance(ctx context.Context, collection, sourceStream string) (int64, Receipt, error)
}

// RequestError is the structured error adapters surface for failed calls.
// The conflict package classifies it by status code and message text.
type RequestError struct {
	// StatusCode is the http-status-equivalent reported by the backend
	StatusCode int

	// Message is the backend's error text
	Message string

	// Body is the raw structured error payload when the backend
	// provided one
	Body string

	// RetryAfter is a server-provided backoff hint; zero means none
	RetryAfter time.Duration

	// Charge is the cost units billed for the failed call
	Charge float64

	// Cause is the underlying driver error, if any
	Cause error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the underlying driver error.
func (e *RequestError) Unwrap() error {
	return e.Cause
}
