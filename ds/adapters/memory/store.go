// Package memory provides an in-memory document store adapter.
//
// It implements the full store contract, including the optimistic
// concurrency checks and the canonical conflict message shapes, which makes
// it suitable for tests and local development. Nothing is durable.
package memory

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/conflict"
	"github.com/streamhaus/docstream/ds/docstore"
)

// StoreConfig contains configuration for the in-memory document store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger ds.Logger

	// DefaultCollection is used when a request names no collection
	DefaultCollection string

	// ChargePerCall is the synthetic request charge reported on receipts
	ChargePerCall float64
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DefaultCollection: "documents",
		ChargePerCall:     1.0,
		Logger:            nil, // No logging by default
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger ds.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithDefaultCollection sets the collection used for unnamespaced keys.
func WithDefaultCollection(name string) StoreOption {
	return func(c *StoreConfig) {
		c.DefaultCollection = name
	}
}

// WithChargePerCall sets the synthetic request charge per call.
func WithChargePerCall(charge float64) StoreOption {
	return func(c *StoreConfig) {
		c.ChargePerCall = charge
	}
}

// NewStoreConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// collection holds one collection's append log and materialized documents.
type collection struct {
	logs map[string][]ds.Document // key -> append log, ascending by sn
	docs map[string]ds.Document   // key -> materialized document
}

func newCollection() *collection {
	return &collection{
		logs: make(map[string][]ds.Document),
		docs: make(map[string]ds.Document),
	}
}

// Store is an in-memory document store implementation.
// It is safe for concurrent use.
type Store struct {
	config StoreConfig

	mu          sync.Mutex
	collections map[string]*collection
}

// NewStore creates a new in-memory document store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config:      config,
		collections: make(map[string]*collection),
	}
}

func (s *Store) collectionFor(name string) *collection {
	if name == "" {
		name = s.config.DefaultCollection
	}
	c, ok := s.collections[name]
	if !ok {
		c = newCollection()
		s.collections[name] = c
	}
	return c
}

func (s *Store) receipt(status int) docstore.Receipt {
	return docstore.Receipt{
		RequestCharge: s.config.ChargePerCall,
		StatusCode:    status,
		ActivityID:    uuid.NewString(),
	}
}

// AppendBatch implements docstore.Store.
// The expected-sn check and the inserts run under one lock, mirroring the
// single-partition transactional procedure of the remote backends.
func (s *Store) AppendBatch(ctx context.Context, req docstore.AppendRequest) (docstore.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collectionFor(req.Collection)
	log := c.logs[req.Key]

	var currentSn int64
	if len(log) > 0 {
		currentSn = log[len(log)-1].Sn
	}

	newSn := req.BaseSn + 1
	if len(req.Docs) > 0 {
		newSn = req.Docs[0].Sn
	}

	if req.VerifySn && currentSn != req.BaseSn {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "append rejected",
				"key", req.Key,
				"expected_sn", req.BaseSn,
				"actual_sn", currentSn)
		}
		return s.receipt(http.StatusConflict), &docstore.RequestError{
			StatusCode: http.StatusConflict,
			Message:    conflict.FormatBulkConflict(req.Key, newSn, req.BaseSn, currentSn),
			Charge:     s.config.ChargePerCall,
		}
	}

	// the unique (key, sn) identity holds even when verification is off
	for _, doc := range req.Docs {
		if doc.Sn <= currentSn {
			return s.receipt(http.StatusConflict), &docstore.RequestError{
				StatusCode: http.StatusConflict,
				Message:    conflict.FormatBulkConflict(req.Key, doc.Sn, req.BaseSn, currentSn),
				Charge:     s.config.ChargePerCall,
			}
		}
	}

	c.logs[req.Key] = append(log, req.Docs...)

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "batch appended",
			"key", req.Key,
			"doc_count", len(req.Docs),
			"base_sn", req.BaseSn)
	}
	return s.receipt(http.StatusOK), nil
}

// Upsert implements docstore.Store.
func (s *Store) Upsert(ctx context.Context, req docstore.UpsertRequest) (docstore.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collectionFor(req.Collection)

	var currentSn int64
	if existing, ok := c.docs[req.Key]; ok {
		currentSn = existing.Sn
	}

	if req.VerifySn && currentSn != req.BaseSn {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "upsert rejected",
				"key", req.Key,
				"expected_sn", req.BaseSn,
				"actual_sn", currentSn)
		}
		return s.receipt(http.StatusConflict), &docstore.RequestError{
			StatusCode: http.StatusConflict,
			Message:    conflict.FormatUpsertConflict(req.Key, req.Doc.Sn, req.BaseSn, currentSn),
			Charge:     s.config.ChargePerCall,
		}
	}

	c.docs[req.Key] = req.Doc

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "document upserted",
			"key", req.Key,
			"sn", req.Doc.Sn,
			"tombstone", req.Doc.IsTombstone())
	}
	return s.receipt(http.StatusOK), nil
}

// ReadRange implements docstore.Store.
func (s *Store) ReadRange(ctx context.Context, q docstore.RangeQuery) ([]ds.Document, docstore.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collectionFor(q.Collection)

	var out []ds.Document
	for _, doc := range c.logs[q.Key] {
		if doc.Sn < q.FromSn {
			continue
		}
		out = append(out, doc)
		if q.MaxCount > 0 && int64(len(out)) >= q.MaxCount {
			break
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "range read",
			"key", q.Key,
			"from_sn", q.FromSn,
			"count", len(out))
	}
	return out, s.receipt(http.StatusOK), nil
}

// Get implements docstore.Store.
func (s *Store) Get(_ context.Context, collectionName, key string) (ds.Document, docstore.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collectionFor(collectionName)
	doc, ok := c.docs[key]
	if !ok {
		return ds.Document{}, s.receipt(http.StatusNotFound), docstore.ErrNotFound
	}
	return doc, s.receipt(http.StatusOK), nil
}

// MaxSequence implements docstore.Store. It reports the append log's live
// max sn; the materialized document's sn is checked by Upsert itself.
func (s *Store) MaxSequence(_ context.Context, collectionName, key string) (int64, docstore.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collectionFor(collectionName)
	log := c.logs[key]
	if len(log) == 0 {
		return 0, s.receipt(http.StatusOK), nil
	}
	return log[len(log)-1].Sn, s.receipt(http.StatusOK), nil
}

// MaxProvenance implements docstore.Store.
func (s *Store) MaxProvenance(_ context.Context, collectionName, sourceStream string) (int64, docstore.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collectionFor(collectionName)

	var max int64
	track := func(doc ds.Document) {
		if doc.Provenance != nil && doc.Provenance.StreamID == sourceStream && doc.Provenance.Sn > max {
			max = doc.Provenance.Sn
		}
	}
	for _, log := range c.logs {
		for _, doc := range log {
			track(doc)
		}
	}
	for _, doc := range c.docs {
		track(doc)
	}
	return max, s.receipt(http.StatusOK), nil
}

// Ensure the contract is satisfied
var _ docstore.Store = (*Store)(nil)
