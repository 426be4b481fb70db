// Package sqlite provides a SQLite adapter for the document store.
package sqlite

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
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/conflict"
	"github.com/streamhaus/docstream/ds/docstore"
)

const (
	// sqliteDateTimeFormat is the format used for timestamp storage/parsing in SQLite
	sqliteDateTimeFormat = "2006-01-02 15:04:05.999999"
)

// StoreConfig contains configuration for the SQLite document store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
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

// WithDocumentsTable sets a custom append log table name.
func WithDocumentsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.DocumentsTable = tableName
	}
}

// WithMaterializedTable sets a custom materialized documents table name.
func WithMaterializedTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.MaterializedTable = tableName
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
//
// Example:
//
//	config := sqlite.NewStoreConfig(
//	    sqlite.WithLogger(myLogger),
//	    sqlite.WithDocumentsTable("custom_documents"),
//	)
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a SQLite-backed document store implementation.
type Store struct {
	db     *sql.DB
	config StoreConfig
}

// NewStore creates a new SQLite document store on top of an open database
// handle. The store owns its transaction boundaries; the handle is shared.
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

// conflictError builds the structured rejection the conflict package parses.
func (s *Store) conflictError(message string) *docstore.RequestError {
	return &docstore.RequestError{
		StatusCode: http.StatusConflict,
		Message:    message,
		Charge:     s.config.ChargePerCall,
	}
}

// busyError surfaces lock contention as a retryable request error.
func (s *Store) busyError(err error) *docstore.RequestError {
	return &docstore.RequestError{
		StatusCode: http.StatusTooManyRequests,
		Message:    err.Error(),
		Charge:     s.config.ChargePerCall,
		Cause:      err,
	}
}

// wrapOp wraps a driver failure, keeping lock contention retryable.
func (s *Store) wrapOp(op string, err error) error {
	if IsBusy(err) {
		return s.busyError(err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// AppendBatch implements docstore.Store.
// The expected-sn check and the inserts run in one transaction; the primary
// key on (collection, stream_id, sn) is the safety net if another
// transaction commits between our check and insert.
func (s *Store) AppendBatch(ctx context.Context, req docstore.AppendRequest) (docstore.Receipt, error) {
	coll := s.collection(req.Collection)

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "append starting",
			"key", req.Key,
			"doc_count", len(req.Docs),
			"base_sn", req.BaseSn)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return docstore.Receipt{}, s.wrapOp("begin append transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	currentSn, err := s.currentMaxSn(ctx, tx, coll, req.Key)
	if err != nil {
		return docstore.Receipt{}, s.wrapOp("read current sn", err)
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
		return s.receipt(http.StatusConflict),
			s.conflictError(conflict.FormatBulkConflict(req.Key, newSn, req.BaseSn, currentSn))
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			collection, id, stream_id, sn, event_type, data,
			written_at, trace_id, span_id, ttl_seconds,
			prov_stream_id, prov_sn
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.DocumentsTable)

	for i := range req.Docs {
		doc := &req.Docs[i]
		if _, execErr := tx.ExecContext(ctx, insertQuery, docArgs(coll, doc)...); execErr != nil {
			if IsUniqueViolation(execErr) {
				// Release the write lock before re-reading the winner's sn
				tx.Rollback() //nolint:errcheck // conflict is reported either way
				return s.receipt(http.StatusConflict), s.appendRace(ctx, coll, req, doc.Sn)
			}
			return docstore.Receipt{}, s.wrapOp(fmt.Sprintf("insert document %d", i), execErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return docstore.Receipt{}, s.wrapOp("commit append transaction", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "batch appended",
			"key", req.Key,
			"doc_count", len(req.Docs),
			"base_sn", req.BaseSn)
	}
	return s.receipt(http.StatusOK), nil
}

// appendRace builds the conflict for an insert that lost the race after the
// expected-sn check passed. The winner's sn is re-read on a fresh
// connection; the colliding sn stands in if that read fails too.
func (s *Store) appendRace(ctx context.Context, coll string, req docstore.AppendRequest, collidingSn int64) error {
	actual, err := s.currentMaxSn(ctx, s.db, coll, req.Key)
	if err != nil {
		actual = collidingSn
	}
	if s.config.Logger != nil {
		s.config.Logger.Error(ctx, "append lost concurrent race",
			"key", req.Key,
			"expected_sn", req.BaseSn,
			"actual_sn", actual)
	}
	return s.conflictError(conflict.FormatBulkConflict(req.Key, collidingSn, req.BaseSn, actual))
}

// Upsert implements docstore.Store.
func (s *Store) Upsert(ctx context.Context, req docstore.UpsertRequest) (docstore.Receipt, error) {
	coll := s.collection(req.Collection)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return docstore.Receipt{}, s.wrapOp("begin upsert transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(sn), 0)
		FROM %s
		WHERE collection = ? AND id = ?
	`, s.config.MaterializedTable)

	var currentSn int64
	if err := tx.QueryRowContext(ctx, query, coll, req.Key).Scan(&currentSn); err != nil {
		return docstore.Receipt{}, s.wrapOp("read current sn", err)
	}

	if req.VerifySn && currentSn != req.BaseSn {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "upsert rejected",
				"key", req.Key,
				"expected_sn", req.BaseSn,
				"actual_sn", currentSn)
		}
		return s.receipt(http.StatusConflict),
			s.conflictError(conflict.FormatUpsertConflict(req.Key, req.Doc.Sn, req.BaseSn, currentSn))
	}

	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			collection, id, stream_id, sn, event_type, data,
			written_at, trace_id, span_id, ttl_seconds,
			prov_stream_id, prov_sn
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			stream_id = excluded.stream_id,
			sn = excluded.sn,
			event_type = excluded.event_type,
			data = excluded.data,
			written_at = excluded.written_at,
			trace_id = excluded.trace_id,
			span_id = excluded.span_id,
			ttl_seconds = excluded.ttl_seconds,
			prov_stream_id = excluded.prov_stream_id,
			prov_sn = excluded.prov_sn
	`, s.config.MaterializedTable)

	if _, err := tx.ExecContext(ctx, upsertQuery, docArgs(coll, &req.Doc)...); err != nil {
		return docstore.Receipt{}, s.wrapOp("upsert document", err)
	}

	if err := tx.Commit(); err != nil {
		return docstore.Receipt{}, s.wrapOp("commit upsert transaction", err)
	}

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
	coll := s.collection(q.Collection)

	baseQuery := fmt.Sprintf(`
		SELECT
			id, stream_id, sn, event_type, data, written_at,
			trace_id, span_id, ttl_seconds, prov_stream_id, prov_sn
		FROM %s
		WHERE collection = ? AND stream_id = ? AND sn >= ?
		ORDER BY sn ASC
	`, s.config.DocumentsTable)

	args := []interface{}{coll, q.Key, q.FromSn}
	if q.MaxCount > 0 {
		baseQuery += " LIMIT ?"
		args = append(args, q.MaxCount)
	}

	rows, err := s.db.QueryContext(ctx, baseQuery, args...)
	if err != nil {
		return nil, docstore.Receipt{}, s.wrapOp("query range", err)
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

	query := fmt.Sprintf(`
		SELECT
			id, stream_id, sn, event_type, data, written_at,
			trace_id, span_id, ttl_seconds, prov_stream_id, prov_sn
		FROM %s
		WHERE collection = ? AND id = ?
	`, s.config.MaterializedTable)

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, coll, key).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ds.Document{}, s.receipt(http.StatusNotFound), docstore.ErrNotFound
		}
		return ds.Document{}, docstore.Receipt{}, s.wrapOp("get document", err)
	}
	return doc, s.receipt(http.StatusOK), nil
}

// MaxSequence implements docstore.Store. It reports the append log's live
// max sn; the materialized document's sn is checked by Upsert itself.
func (s *Store) MaxSequence(ctx context.Context, collectionName, key string) (int64, docstore.Receipt, error) {
	coll := s.collection(collectionName)

	current, err := s.currentMaxSn(ctx, s.db, coll, key)
	if err != nil {
		return 0, docstore.Receipt{}, s.wrapOp("read max sn", err)
	}
	return current, s.receipt(http.StatusOK), nil
}

// MaxProvenance implements docstore.Store.
func (s *Store) MaxProvenance(ctx context.Context, collectionName, sourceStream string) (int64, docstore.Receipt, error) {
	coll := s.collection(collectionName)

	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(prov_sn), 0) FROM (
			SELECT prov_sn FROM %s WHERE collection = ? AND prov_stream_id = ?
			UNION ALL
			SELECT prov_sn FROM %s WHERE collection = ? AND prov_stream_id = ?
		)
	`, s.config.DocumentsTable, s.config.MaterializedTable)

	var max int64
	err := s.db.QueryRowContext(ctx, query, coll, sourceStream, coll, sourceStream).Scan(&max)
	if err != nil {
		return 0, docstore.Receipt{}, s.wrapOp("read max provenance", err)
	}
	return max, s.receipt(http.StatusOK), nil
}

// currentMaxSn reads the append log's live max sn for a stream.
func (s *Store) currentMaxSn(ctx context.Context, q ds.DBTX, collection, key string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(sn), 0)
		FROM %s
		WHERE collection = ? AND stream_id = ?
	`, s.config.DocumentsTable)

	var current int64
	if err := q.QueryRowContext(ctx, query, collection, key).Scan(&current); err != nil {
		return 0, err
	}
	return current, nil
}

// docArgs flattens a document into the insert parameter list.
func docArgs(collection string, doc *ds.Document) []interface{} {
	var data interface{}
	if len(doc.Data) > 0 {
		data = []byte(doc.Data)
	}

	// Handle nullable columns for SQLite
	var traceID, spanID, provStream, provSn, ttl interface{}
	if doc.TraceID != "" {
		traceID = doc.TraceID
	}
	if doc.SpanID != "" {
		spanID = doc.SpanID
	}
	if doc.TTL > 0 {
		ttl = int64(doc.TTL / time.Second)
	}
	if doc.Provenance != nil {
		provStream = doc.Provenance.StreamID
		provSn = doc.Provenance.Sn
	}

	writtenAt := doc.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now().UTC()
	}

	return []interface{}{
		collection,
		doc.ID,
		doc.StreamID,
		doc.Sn,
		doc.EventType,
		data,
		writtenAt.UTC().Format(sqliteDateTimeFormat),
		traceID,
		spanID,
		ttl,
		provStream,
		provSn,
	}
}

// scanDocument reads one row produced by the shared column list.
func scanDocument(scan func(dest ...interface{}) error) (ds.Document, error) {
	var doc ds.Document
	var data []byte
	var writtenAt string
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

	doc.WrittenAt, err = parseTimestamp(writtenAt)
	if err != nil {
		return ds.Document{}, fmt.Errorf("failed to parse written_at: %w", err)
	}

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

// IsUniqueViolation checks if an error is a SQLite unique constraint
// violation. This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT ||
			code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	// SQLite error messages for unique constraint violations
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "unique constraint") ||
		strings.Contains(errMsg, "constraint failed")
}

// IsBusy checks if an error is SQLite lock contention.
// This is exported for testing purposes.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "database is locked") ||
		strings.Contains(errMsg, "database table is locked")
}

// sqliteDateTimeFormats lists common SQLite datetime formats for parsing
var sqliteDateTimeFormats = []string{
	sqliteDateTimeFormat,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// parseTimestamp parses SQLite datetime strings to time.Time
func parseTimestamp(s string) (time.Time, error) {
	for _, format := range sqliteDateTimeFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// Ensure the contract is satisfied
var _ docstore.Store = (*Store)(nil)
