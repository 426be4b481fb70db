// Package postgres provides a PostgreSQL adapter for the document store.
//
// Writes go through the append_stream and upsert_stream functions installed
// by the migrations package, so the expected-sn check and the insert commit
// atomically server-side. The rejection messages those functions raise are
// the same text the conflict package parses.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/conflict"
	"github.com/streamhaus/docstream/ds/docstore"
)

// StoreConfig contains configuration for the Postgres document store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger ds.Logger

	// DocumentsTable is the name of the append log table
	DocumentsTable string

	// MaterializedTable is the name of the materialized documents table
	MaterializedTable string

	// DefaultCollection is used when a request names no collection
	DefaultCollection string

	// ChargePerCall is the synthetic request charge reported on receipts
	ChargePerCall float64
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DocumentsTable:    "documents",
		MaterializedTable: "materialized_documents",
		DefaultCollection: "documents",
		ChargePerCall:     1.0,
	}
}

// Store is a PostgreSQL-backed document store implementation.
type Store struct {
	db     *sql.DB
	config StoreConfig
}

// NewStore creates a new Postgres document store on top of an open database
// handle.
func NewStore(db *sql.DB, config StoreConfig) *Store {
	return &Store{
		db:     db,
		config: config,
	}
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

// AppendBatch implements docstore.Store.
func (s *Store) AppendBatch(ctx context.Context, req docstore.AppendRequest) (docstore.Receipt, error) {
	coll := s.collection(req.Collection)

	wire := make([]map[string]interface{}, len(req.Docs))
	for i := range req.Docs {
		wire[i] = wireDoc(&req.Docs[i])
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return docstore.Receipt{}, fmt.Errorf("failed to encode batch: %w", err)
	}

	query := "SELECT append_stream($1, $2, $3, $4, $5::JSONB)"

	var inserted int64
	err = s.db.QueryRowContext(ctx, query, coll, req.Key, req.BaseSn, req.VerifySn, payload).Scan(&inserted)
	if err != nil {
		newSn := req.BaseSn + 1
		if len(req.Docs) > 0 {
			newSn = req.Docs[0].Sn
		}
		return s.classifyWriteError(ctx, err, writeAttempt{
			op:         "append batch",
			collection: coll,
			key:        req.Key,
			baseSn:     req.BaseSn,
			newSn:      newSn,
			bulk:       true,
		})
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "batch appended",
			"key", req.Key,
			"doc_count", inserted,
			"base_sn", req.BaseSn)
	}
	return s.receipt(http.StatusOK), nil
}

// Upsert implements docstore.Store.
func (s *Store) Upsert(ctx context.Context, req docstore.UpsertRequest) (docstore.Receipt, error) {
	coll := s.collection(req.Collection)

	payload, err := json.Marshal(wireDoc(&req.Doc))
	if err != nil {
		return docstore.Receipt{}, fmt.Errorf("failed to encode document: %w", err)
	}

	query := "SELECT upsert_stream($1, $2, $3, $4, $5::JSONB)"

	_, err = s.db.ExecContext(ctx, query, coll, req.Key, req.BaseSn, req.VerifySn, payload)
	if err != nil {
		return s.classifyWriteError(ctx, err, writeAttempt{
			op:         "upsert",
			collection: coll,
			key:        req.Key,
			baseSn:     req.BaseSn,
			newSn:      req.Doc.Sn,
		})
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "document upserted",
			"key", req.Key,
			"sn", req.Doc.Sn,
			"tombstone", req.Doc.IsTombstone())
	}
	return s.receipt(http.StatusOK), nil
}

// writeAttempt carries the context needed to build a conflict error after
// a failed write.
type writeAttempt struct {
	op         string
	collection string
	key        string
	baseSn     int64
	newSn      int64
	bulk       bool
}

// classifyWriteError maps a driver error from append_stream/upsert_stream
// to the adapter's error contract. RAISE rejections carry the server's own
// message text; unique violations mean the check passed but a concurrent
// commit won the race, so the actual sn is re-read to rebuild the message.
func (s *Store) classifyWriteError(ctx context.Context, err error, attempt writeAttempt) (docstore.Receipt, error) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "P0001" {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "write rejected",
				"key", attempt.key,
				"expected_sn", attempt.baseSn)
		}
		return s.receipt(http.StatusConflict), &docstore.RequestError{
			StatusCode: http.StatusConflict,
			Message:    pqErr.Message,
			Charge:     s.config.ChargePerCall,
			Cause:      err,
		}
	}

	if IsUniqueViolation(err) {
		actual, readErr := s.liveMaxSn(ctx, attempt.collection, attempt.key)
		if readErr != nil {
			actual = attempt.newSn
		}
		message := conflict.FormatUpsertConflict(attempt.key, attempt.newSn, attempt.baseSn, actual)
		if attempt.bulk {
			message = conflict.FormatBulkConflict(attempt.key, attempt.newSn, attempt.baseSn, actual)
		}
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "write lost concurrent race",
				"key", attempt.key,
				"expected_sn", attempt.baseSn,
				"actual_sn", actual)
		}
		return s.receipt(http.StatusConflict), &docstore.RequestError{
			StatusCode: http.StatusConflict,
			Message:    message,
			Charge:     s.config.ChargePerCall,
			Cause:      err,
		}
	}

	if IsRetryable(err) {
		return docstore.Receipt{}, &docstore.RequestError{
			StatusCode: http.StatusTooManyRequests,
			Message:    err.Error(),
			Charge:     s.config.ChargePerCall,
			Cause:      err,
		}
	}

	return docstore.Receipt{}, fmt.Errorf("failed to %s: %w", attempt.op, err)
}

// ReadRange implements docstore.Store.
func (s *Store) ReadRange(ctx context.Context, q docstore.RangeQuery) ([]ds.Document, docstore.Receipt, error) {
	coll := s.collection(q.Collection)

	baseQuery := fmt.Sprintf(`
		SELECT
			id, stream_id, sn, event_type, data, written_at,
			trace_id, span_id, ttl_seconds, prov_stream_id, prov_sn
		FROM %s
		WHERE collection = $1 AND stream_id = $2 AND sn >= $3
		ORDER BY sn ASC
	`, s.config.DocumentsTable)

	args := []interface{}{coll, q.Key, q.FromSn}
	if q.MaxCount > 0 {
		baseQuery += " LIMIT $4"
		args = append(args, q.MaxCount)
	}

	rows, err := s.db.QueryContext(ctx, baseQuery, args...)
	if err != nil {
		return nil, docstore.Receipt{}, fmt.Errorf("failed to query range: %w", err)
	}
	defer rows.Close()

	var docs []ds.Document
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, docstore.Receipt{}, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, docstore.Receipt{}, fmt.Errorf("rows error: %w", err)
	}

	return docs, s.receipt(http.StatusOK), nil
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, collectionName, key string) (ds.Document, docstore.Receipt, error) {
	coll := s.collection(collectionName)

	query := fmt.Sprintf(`
		SELECT
			id, stream_id, sn, event_type, data, written_at,
			trace_id, span_id, ttl_seconds, prov_stream_id, prov_sn
		FROM %s
		WHERE collection = $1 AND id = $2
	`, s.config.MaterializedTable)

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, coll, key).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ds.Document{}, s.receipt(http.StatusNotFound), docstore.ErrNotFound
		}
		return ds.Document{}, docstore.Receipt{}, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, s.receipt(http.StatusOK), nil
}

// MaxSequence implements docstore.Store.
func (s *Store) MaxSequence(ctx context.Context, collectionName, key string) (int64, docstore.Receipt, error) {
	coll := s.collection(collectionName)

	current, err := s.liveMaxSn(ctx, coll, key)
	if err != nil {
		return 0, docstore.Receipt{}, fmt.Errorf("failed to read max sn: %w", err)
	}
	return current, s.receipt(http.StatusOK), nil
}

// MaxProvenance implements docstore.Store.
func (s *Store) MaxProvenance(ctx context.Context, collectionName, sourceStream string) (int64, docstore.Receipt, error) {
	coll := s.collection(collectionName)

	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(prov_sn), 0) FROM (
			SELECT prov_sn FROM %s WHERE collection = $1 AND prov_stream_id = $2
			UNION ALL
			SELECT prov_sn FROM %s WHERE collection = $3 AND prov_stream_id = $4
		) AS provenance
	`, s.config.DocumentsTable, s.config.MaterializedTable)

	var max int64
	err := s.db.QueryRowContext(ctx, query, coll, sourceStream, coll, sourceStream).Scan(&max)
	if err != nil {
		return 0, docstore.Receipt{}, fmt.Errorf("failed to read max provenance: %w", err)
	}
	return max, s.receipt(http.StatusOK), nil
}

func (s *Store) liveMaxSn(ctx context.Context, collection, key string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(sn), 0)
		FROM %s
		WHERE collection = $1 AND stream_id = $2
	`, s.config.DocumentsTable)

	var current int64
	if err := s.db.QueryRowContext(ctx, query, collection, key).Scan(&current); err != nil {
		return 0, err
	}
	return current, nil
}

// wireDoc builds the JSON object append_stream/upsert_stream expect.
// Absent fields are omitted so the functions store SQL NULL; in particular
// a tombstone must not carry a "data" key, or the JSONB column would hold
// JSON null instead of NULL.
func wireDoc(doc *ds.Document) map[string]interface{} {
	m := map[string]interface{}{
		"id":         doc.ID,
		"stream_id":  doc.StreamID,
		"sn":         doc.Sn,
		"event_type": doc.EventType,
	}
	if len(doc.Data) > 0 {
		m["data"] = doc.Data
	}
	if !doc.WrittenAt.IsZero() {
		m["written_at"] = doc.WrittenAt.UTC().Format(time.RFC3339Nano)
	}
	if doc.TraceID != "" {
		m["trace_id"] = doc.TraceID
	}
	if doc.SpanID != "" {
		m["span_id"] = doc.SpanID
	}
	if doc.TTL > 0 {
		m["ttl_seconds"] = int64(doc.TTL / time.Second)
	}
	if doc.Provenance != nil {
		m["prov_stream_id"] = doc.Provenance.StreamID
		m["prov_sn"] = doc.Provenance.Sn
	}
	return m
}

// scanDocument reads one row produced by the shared column list.
func scanDocument(scan func(dest ...interface{}) error) (ds.Document, error) {
	var doc ds.Document
	var data []byte
	var writtenAt time.Time
	var traceID, spanID, provStream sql.NullString
	var ttl, provSn sql.NullInt64

	err := scan(
		&doc.ID,
		&doc.StreamID,
		&doc.Sn,
		&doc.EventType,
		&data,
		&writtenAt,
		&traceID,
		&spanID,
		&ttl,
		&provStream,
		&provSn,
	)
	if err != nil {
		return ds.Document{}, err
	}

	if len(data) > 0 {
		doc.Data = json.RawMessage(data)
	}
	doc.WrittenAt = writtenAt

	if traceID.Valid {
		doc.TraceID = traceID.String
	}
	if spanID.Valid {
		doc.SpanID = spanID.String
	}
	if ttl.Valid {
		doc.TTL = time.Duration(ttl.Int64) * time.Second
	}
	if provStream.Valid {
		doc.Provenance = &ds.Provenance{StreamID: provStream.String}
		if provSn.Valid {
			doc.Provenance.Sn = provSn.Int64
		}
	}
	return doc, nil
}

// IsRaisedRejection checks if an error is a RAISE EXCEPTION from the
// provisioned write functions. This is exported for testing purposes.
func IsRaisedRejection(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "P0001" // raise_exception
	}
	return false
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint
// violation. This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a pq.Error with unique_violation code (23505)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") ||
		strings.Contains(errMsg, "unique constraint")
}

// IsRetryable checks if an error is transient lock contention worth
// retrying. This is exported for testing purposes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return true
		}
		return false
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "deadlock detected") ||
		strings.Contains(errMsg, "could not serialize access")
}

// Ensure the contract is satisfied
var _ docstore.Store = (*Store)(nil)
