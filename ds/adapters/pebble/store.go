// Package pebblestore provides an embedded Pebble adapter for the document
// store.
//
// Writes serialize on a store-level mutex, so the expected-sn check and the
// batch commit are atomic and no constraint-race fallback is needed. Entry
// keys carry the sn big-endian, which makes range reads a plain forward
// iterator scan.
package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/conflict"
	"github.com/streamhaus/docstream/ds/docstore"
)

// StoreConfig contains configuration for the Pebble document store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger ds.Logger

	// DefaultCollection is used when a request names no collection
	DefaultCollection string

	// ChargePerCall is the synthetic request charge reported on receipts
	ChargePerCall float64

	// Sync forces a WAL fsync on every committed write
	Sync bool
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DefaultCollection: "documents",
		ChargePerCall:     1.0,
		Sync:              true,
	}
}

// Store is a Pebble-backed document store implementation.
type Store struct {
	db     *pebble.DB
	config StoreConfig

	mu sync.Mutex
}

// NewStore creates a document store on top of an open Pebble database.
func NewStore(db *pebble.DB, config StoreConfig) *Store {
	return &Store{
		db:     db,
		config: config,
	}
}

// Open opens (or creates) a Pebble database at dir and wraps it in a store.
func Open(dir string, config StoreConfig) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return NewStore(db, config), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database so a BlobStore can share it.
func (s *Store) DB() *pebble.DB {
	return s.db
}

func (s *Store) collection(name string) string {
	if name == "" {
		return s.config.DefaultCollection
	}
	return name
}

func (s *Store) receipt(status int) docstore.Receipt {
	return docstore.Receipt{
		RequestCharge: s.config.ChargePerCall,
		StatusCode:    status,
		ActivityID:    uuid.NewString(),
	}
}

func (s *Store) conflictError(message string) *docstore.RequestError {
	return &docstore.RequestError{
		StatusCode: http.StatusConflict,
		Message:    message,
		Charge:     s.config.ChargePerCall,
	}
}

func (s *Store) writeOpts() *pebble.WriteOptions {
	if s.config.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// storedDoc is the on-disk JSON encoding of a document.
type storedDoc struct {
	ID           string          `json:"id"`
	StreamID     string          `json:"stream_id"`
	Sn           int64           `json:"sn"`
	EventType    string          `json:"event_type,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	WrittenAt    time.Time       `json:"written_at"`
	TraceID      string          `json:"trace_id,omitempty"`
	SpanID       string          `json:"span_id,omitempty"`
	TTLSeconds   int64           `json:"ttl_seconds,omitempty"`
	ProvStreamID string          `json:"prov_stream_id,omitempty"`
	ProvSn       int64           `json:"prov_sn,omitempty"`
}

func encodeDoc(doc *ds.Document) ([]byte, error) {
	sd := storedDoc{
		ID:        doc.ID,
		StreamID:  doc.StreamID,
		Sn:        doc.Sn,
		EventType: doc.EventType,
		Data:      doc.Data,
		WrittenAt: doc.WrittenAt.UTC(),
	}
	if doc.TraceID != "" {
		sd.TraceID = doc.TraceID
	}
	if doc.SpanID != "" {
		sd.SpanID = doc.SpanID
	}
	if doc.TTL > 0 {
		sd.TTLSeconds = int64(doc.TTL / time.Second)
	}
	if doc.Provenance != nil {
		sd.ProvStreamID = doc.Provenance.StreamID
		sd.ProvSn = doc.Provenance.Sn
	}
	return json.Marshal(sd)
}

func decodeDoc(val []byte) (ds.Document, error) {
	var sd storedDoc
	if err := json.Unmarshal(val, &sd); err != nil {
		return ds.Document{}, err
	}
	doc := ds.Document{
		ID:        sd.ID,
		StreamID:  sd.StreamID,
		Sn:        sd.Sn,
		EventType: sd.EventType,
		Data:      sd.Data,
		WrittenAt: sd.WrittenAt,
		TraceID:   sd.TraceID,
		SpanID:    sd.SpanID,
	}
	if sd.TTLSeconds > 0 {
		doc.TTL = time.Duration(sd.TTLSeconds) * time.Second
	}
	if sd.ProvStreamID != "" {
		doc.Provenance = &ds.Provenance{StreamID: sd.ProvStreamID, Sn: sd.ProvSn}
	}
	return doc, nil
}

// lastSn reads the stream meta key; a missing key means an empty stream.
func (s *Store) lastSn(collection, stream string) (int64, error) {
	return s.readCounter(keyStreamMeta(collection, stream))
}

func (s *Store) readCounter(key []byte) (int64, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	if len(val) < 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(val[:8])), nil
}

// AppendBatch implements docstore.Store.
func (s *Store) AppendBatch(ctx context.Context, req docstore.AppendRequest) (docstore.Receipt, error) {
	coll := s.collection(req.Collection)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lastSn(coll, req.Key)
	if err != nil {
		return docstore.Receipt{}, fmt.Errorf("failed to read current sn: %w", err)
	}

	newSn := req.BaseSn + 1
	if len(req.Docs) > 0 {
		newSn = req.Docs[0].Sn
	}

	if req.VerifySn && current != req.BaseSn {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "append rejected",
				"key", req.Key,
				"expected_sn", req.BaseSn,
				"actual_sn", current)
		}
		return s.receipt(http.StatusConflict),
			s.conflictError(conflict.FormatBulkConflict(req.Key, newSn, req.BaseSn, current))
	}

	b := s.db.NewBatch()
	defer b.Close()

	maxSn := current
	provMax := make(map[string]int64)
	for i := range req.Docs {
		doc := &req.Docs[i]
		val, err := encodeDoc(doc)
		if err != nil {
			return docstore.Receipt{}, fmt.Errorf("failed to encode document %d: %w", i, err)
		}
		if err := b.Set(keyEntry(coll, req.Key, uint64(doc.Sn)), val, nil); err != nil {
			return docstore.Receipt{}, fmt.Errorf("failed to stage document %d: %w", i, err)
		}
		if doc.Sn > maxSn {
			maxSn = doc.Sn
		}
		if doc.Provenance != nil && doc.Provenance.Sn > provMax[doc.Provenance.StreamID] {
			provMax[doc.Provenance.StreamID] = doc.Provenance.Sn
		}
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], uint64(maxSn))
	if err := b.Set(keyStreamMeta(coll, req.Key), meta[:], nil); err != nil {
		return docstore.Receipt{}, fmt.Errorf("failed to stage stream meta: %w", err)
	}

	for source, sn := range provMax {
		if err := s.stageWatermark(b, coll, source, sn); err != nil {
			return docstore.Receipt{}, fmt.Errorf("failed to stage provenance watermark: %w", err)
		}
	}

	if err := b.Commit(s.writeOpts()); err != nil {
		return docstore.Receipt{}, fmt.Errorf("failed to commit append batch: %w", err)
	}

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
	coll := s.collection(req.Collection)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.materializedSn(coll, req.Key)
	if err != nil {
		return docstore.Receipt{}, fmt.Errorf("failed to read current sn: %w", err)
	}

	if req.VerifySn && current != req.BaseSn {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "upsert rejected",
				"key", req.Key,
				"expected_sn", req.BaseSn,
				"actual_sn", current)
		}
		return s.receipt(http.StatusConflict),
			s.conflictError(conflict.FormatUpsertConflict(req.Key, req.Doc.Sn, req.BaseSn, current))
	}

	val, err := encodeDoc(&req.Doc)
	if err != nil {
		return docstore.Receipt{}, fmt.Errorf("failed to encode document: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(keyDoc(coll, req.Key), val, nil); err != nil {
		return docstore.Receipt{}, fmt.Errorf("failed to stage document: %w", err)
	}
	if req.Doc.Provenance != nil {
		if err := s.stageWatermark(b, coll, req.Doc.Provenance.StreamID, req.Doc.Provenance.Sn); err != nil {
			return docstore.Receipt{}, fmt.Errorf("failed to stage provenance watermark: %w", err)
		}
	}

	if err := b.Commit(s.writeOpts()); err != nil {
		return docstore.Receipt{}, fmt.Errorf("failed to commit upsert: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "document upserted",
			"key", req.Key,
			"sn", req.Doc.Sn,
			"tombstone", req.Doc.IsTombstone())
	}
	return s.receipt(http.StatusOK), nil
}

func (s *Store) materializedSn(collection, key string) (int64, error) {
	val, closer, err := s.db.Get(keyDoc(collection, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()

	var sd storedDoc
	if err := json.Unmarshal(val, &sd); err != nil {
		return 0, err
	}
	return sd.Sn, nil
}

// stageWatermark stages a monotonic advance of a provenance watermark.
func (s *Store) stageWatermark(b *pebble.Batch, collection, source string, sn int64) error {
	current, err := s.readCounter(keyProvenance(collection, source))
	if err != nil {
		return err
	}
	if sn <= current {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(sn))
	return b.Set(keyProvenance(collection, source), buf[:], nil)
}

// ReadRange implements docstore.Store.
func (s *Store) ReadRange(ctx context.Context, q docstore.RangeQuery) ([]ds.Document, docstore.Receipt, error) {
	coll := s.collection(q.Collection)

	from := q.FromSn
	if from < 0 {
		from = 0
	}
	low := keyEntry(coll, q.Key, uint64(from))
	hi := keyEntry(coll, q.Key, ^uint64(0))

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return nil, docstore.Receipt{}, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var docs []ds.Document
	for iter.First(); iter.Valid(); iter.Next() {
		if q.MaxCount > 0 && int64(len(docs)) >= q.MaxCount {
			break
		}
		doc, err := decodeDoc(iter.Value())
		if err != nil {
			return nil, docstore.Receipt{}, fmt.Errorf("failed to decode document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := iter.Error(); err != nil {
		return nil, docstore.Receipt{}, fmt.Errorf("iterator error: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "range read",
			"key", q.Key,
			"from_sn", q.FromSn,
			"count", len(docs))
	}
	return docs, s.receipt(http.StatusOK), nil
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, collectionName, key string) (ds.Document, docstore.Receipt, error) {
	coll := s.collection(collectionName)

	val, closer, err := s.db.Get(keyDoc(coll, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ds.Document{}, s.receipt(http.StatusNotFound), docstore.ErrNotFound
		}
		return ds.Document{}, docstore.Receipt{}, fmt.Errorf("failed to get document: %w", err)
	}
	defer closer.Close()

	doc, err := decodeDoc(val)
	if err != nil {
		return ds.Document{}, docstore.Receipt{}, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, s.receipt(http.StatusOK), nil
}

// MaxSequence implements docstore.Store.
func (s *Store) MaxSequence(ctx context.Context, collectionName, key string) (int64, docstore.Receipt, error) {
	coll := s.collection(collectionName)

	current, err := s.lastSn(coll, key)
	if err != nil {
		return 0, docstore.Receipt{}, fmt.Errorf("failed to read max sn: %w", err)
	}
	return current, s.receipt(http.StatusOK), nil
}

// MaxProvenance implements docstore.Store. Watermarks are maintained at
// write time, so this is a single point read.
func (s *Store) MaxProvenance(ctx context.Context, collectionName, sourceStream string) (int64, docstore.Receipt, error) {
	coll := s.collection(collectionName)

	max, err := s.readCounter(keyProvenance(coll, sourceStream))
	if err != nil {
		return 0, docstore.Receipt{}, fmt.Errorf("failed to read max provenance: %w", err)
	}
	return max, s.receipt(http.StatusOK), nil
}

// Ensure the contract is satisfied
var _ docstore.Store = (*Store)(nil)
