// Package integration_test contains integration tests for the SQLite adapter.
// These tests require SQLite (which is embedded).
//
// Run with: go test -tags=integration ./ds/adapters/sqlite/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/streamhaus/docstream/ds"
	"github.com/streamhaus/docstream/ds/adapters/sqlite"
	"github.com/streamhaus/docstream/ds/conflict"
	"github.com/streamhaus/docstream/ds/docstore"
	"github.com/streamhaus/docstream/ds/migrations"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Create a temporary database file
	dbFile := fmt.Sprintf("/tmp/docstream_test_%d.db", time.Now().UnixNano())
	t.Cleanup(func() {
		os.Remove(dbFile)
	})

	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	_, err = db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;")
	if err != nil {
		t.Fatalf("Failed to configure database: %v", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	return db
}

func setupTestTables(t *testing.T, db *sql.DB) {
	t.Helper()

	// Drop existing objects to ensure clean state
	_, err := db.Exec(`
		DROP TABLE IF EXISTS materialized_documents;
		DROP TABLE IF EXISTS documents;
	`)
	if err != nil {
		t.Fatalf("Failed to drop tables: %v", err)
	}

	// Generate and execute migration
	tmpDir := t.TempDir()
	config := migrations.Config{
		OutputFolder:      tmpDir,
		OutputFilename:    "test.sql",
		DocumentsTable:    "documents",
		MaterializedTable: "materialized_documents",
	}

	if err := migrations.GenerateSQLite(&config); err != nil {
		t.Fatalf("Failed to generate migration: %v", err)
	}

	migrationSQL, err := os.ReadFile(fmt.Sprintf("%s/%s", tmpDir, config.OutputFilename))
	if err != nil {
		t.Fatalf("Failed to read migration: %v", err)
	}

	_, err = db.Exec(string(migrationSQL))
	if err != nil {
		t.Fatalf("Failed to execute migration: %v", err)
	}
}

func testDoc(key string, sn int64, body string) ds.Document {
	return ds.Document{
		ID:        ds.AppendDocID(key, sn),
		StreamID:  key,
		Sn:        sn,
		EventType: "TestEvent",
		Data:      json.RawMessage(body),
		WrittenAt: time.Now().UTC(),
	}
}

func TestAppendBatch(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	key := uuid.New().String()
	receipt, err := store.AppendBatch(ctx, docstore.AppendRequest{
		Key:      key,
		BaseSn:   0,
		VerifySn: true,
		Docs: []ds.Document{
			testDoc(key, 1, `{"state":"created"}`),
			testDoc(key, 2, `{"state":"updated"}`),
		},
	})
	if err != nil {
		t.Fatalf("Failed to append documents: %v", err)
	}
	if receipt.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", receipt.StatusCode)
	}
	if receipt.ActivityID == "" {
		t.Error("Expected a non-empty activity id")
	}

	docs, _, err := store.ReadRange(ctx, docstore.RangeQuery{Key: key, FromSn: 1})
	if err != nil {
		t.Fatalf("Failed to read range: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("Expected 2 documents, got %d", len(docs))
	}
	for i, doc := range docs {
		wantSn := int64(i + 1)
		if doc.Sn != wantSn {
			t.Errorf("Document %d: expected sn %d, got %d", i, wantSn, doc.Sn)
		}
		if doc.StreamID != key {
			t.Errorf("Document %d: wrong stream id", i)
		}
	}
	if string(docs[1].Data) != `{"state":"updated"}` {
		t.Errorf("Unexpected payload: %s", docs[1].Data)
	}
}

func TestAppendBatch_SequenceConflict(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	key := uuid.New().String()
	_, err := store.AppendBatch(ctx, docstore.AppendRequest{
		Key:      key,
		BaseSn:   0,
		VerifySn: true,
		Docs:     []ds.Document{testDoc(key, 1, `{}`)},
	})
	if err != nil {
		t.Fatalf("First append failed: %v", err)
	}

	// Re-using base 0 must be rejected now that the stream is at sn 1
	_, err = store.AppendBatch(ctx, docstore.AppendRequest{
		Key:      key,
		BaseSn:   0,
		VerifySn: true,
		Docs:     []ds.Document{testDoc(key, 1, `{}`)},
	})
	if err == nil {
		t.Fatal("Expected sequence conflict, got nil")
	}

	var reqErr *docstore.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Expected RequestError, got %T: %v", err, err)
	}
	if reqErr.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", reqErr.StatusCode)
	}

	if !conflict.IsSequenceConflict(reqErr) {
		t.Fatalf("Conflict message not recognized: %s", reqErr.Message)
	}
	details := conflict.ExtractDetails(reqErr)
	if details.Key != key || details.ExpectedSn != 0 || details.ActualSn != 1 {
		t.Errorf("Unexpected conflict details: %+v", details)
	}
}

func TestAppendBatch_UnverifiedSkipsCheck(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	key := uuid.New().String()
	_, err := store.AppendBatch(ctx, docstore.AppendRequest{
		Key:  key,
		Docs: []ds.Document{testDoc(key, 1, `{}`)},
	})
	if err != nil {
		t.Fatalf("First append failed: %v", err)
	}

	// A stale base with VerifySn off still lands as long as the sn is free
	_, err = store.AppendBatch(ctx, docstore.AppendRequest{
		Key:    key,
		BaseSn: 0,
		Docs:   []ds.Document{testDoc(key, 2, `{}`)},
	})
	if err != nil {
		t.Fatalf("Unverified append failed: %v", err)
	}

	max, _, err := store.MaxSequence(ctx, "", key)
	if err != nil {
		t.Fatalf("Failed to read max sn: %v", err)
	}
	if max != 2 {
		t.Errorf("Expected max sn 2, got %d", max)
	}
}

func TestUpsert_ReplacesDocument(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	key := uuid.New().String()
	first := ds.Document{
		ID:        key,
		StreamID:  key,
		Sn:        1,
		EventType: "StateChanged",
		Data:      json.RawMessage(`{"state":"a"}`),
		WrittenAt: time.Now().UTC(),
	}
	if _, err := store.Upsert(ctx, docstore.UpsertRequest{
		Key:      key,
		BaseSn:   0,
		VerifySn: true,
		Doc:      first,
	}); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}

	second := first
	second.Sn = 2
	second.Data = json.RawMessage(`{"state":"b"}`)
	if _, err := store.Upsert(ctx, docstore.UpsertRequest{
		Key:      key,
		BaseSn:   1,
		VerifySn: true,
		Doc:      second,
	}); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	doc, receipt, err := store.Get(ctx, "", key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if receipt.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", receipt.StatusCode)
	}
	if doc.Sn != 2 {
		t.Errorf("Expected sn 2, got %d", doc.Sn)
	}
	if string(doc.Data) != `{"state":"b"}` {
		t.Errorf("Unexpected payload: %s", doc.Data)
	}
}

func TestUpsert_SequenceConflict(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	key := uuid.New().String()
	doc := ds.Document{
		ID:        key,
		StreamID:  key,
		Sn:        1,
		EventType: "StateChanged",
		Data:      json.RawMessage(`{}`),
		WrittenAt: time.Now().UTC(),
	}
	if _, err := store.Upsert(ctx, docstore.UpsertRequest{
		Key:      key,
		BaseSn:   0,
		VerifySn: true,
		Doc:      doc,
	}); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}

	doc.Sn = 2
	_, err := store.Upsert(ctx, docstore.UpsertRequest{
		Key:      key,
		BaseSn:   0,
		VerifySn: true,
		Doc:      doc,
	})
	if err == nil {
		t.Fatal("Expected sequence conflict, got nil")
	}

	var reqErr *docstore.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Expected RequestError, got %T: %v", err, err)
	}
	if !conflict.IsSequenceConflict(reqErr) {
		t.Fatalf("Conflict message not recognized: %s", reqErr.Message)
	}
	details := conflict.ExtractDetails(reqErr)
	if details.NewSn != 2 || details.ExpectedSn != 0 || details.ActualSn != 1 {
		t.Errorf("Unexpected conflict details: %+v", details)
	}
}

func TestUpsert_TombstoneRoundTrip(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	key := uuid.New().String()
	doc := ds.Document{
		ID:        key,
		StreamID:  key,
		Sn:        1,
		EventType: "Deleted",
		WrittenAt: time.Now().UTC(),
	}
	if _, err := store.Upsert(ctx, docstore.UpsertRequest{Key: key, Doc: doc}); err != nil {
		t.Fatalf("Tombstone upsert failed: %v", err)
	}

	got, _, err := store.Get(ctx, "", key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.IsTombstone() {
		t.Errorf("Expected tombstone, got payload %s", got.Data)
	}
	if got.EventType != "Deleted" {
		t.Errorf("Expected event type Deleted, got %s", got.EventType)
	}
}

func TestReadRange_Window(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	key := uuid.New().String()
	var docs []ds.Document
	for sn := int64(1); sn <= 5; sn++ {
		docs = append(docs, testDoc(key, sn, fmt.Sprintf(`{"n":%d}`, sn)))
	}
	if _, err := store.AppendBatch(ctx, docstore.AppendRequest{Key: key, Docs: docs}); err != nil {
		t.Fatalf("Failed to append documents: %v", err)
	}

	got, _, err := store.ReadRange(ctx, docstore.RangeQuery{
		Key:      key,
		FromSn:   2,
		MaxCount: 2,
	})
	if err != nil {
		t.Fatalf("Failed to read range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 documents, got %d", len(got))
	}
	if got[0].Sn != 2 || got[1].Sn != 3 {
		t.Errorf("Expected sns [2 3], got [%d %d]", got[0].Sn, got[1].Sn)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	_, receipt, err := store.Get(ctx, "", uuid.New().String())
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if receipt.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", receipt.StatusCode)
	}
}

func TestMaxSequence(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	key := uuid.New().String()
	max, _, err := store.MaxSequence(ctx, "", key)
	if err != nil {
		t.Fatalf("Failed to read max sn: %v", err)
	}
	if max != 0 {
		t.Errorf("Expected max sn 0 for empty stream, got %d", max)
	}

	if _, err := store.AppendBatch(ctx, docstore.AppendRequest{
		Key:  key,
		Docs: []ds.Document{testDoc(key, 1, `{}`), testDoc(key, 2, `{}`), testDoc(key, 3, `{}`)},
	}); err != nil {
		t.Fatalf("Failed to append documents: %v", err)
	}

	max, _, err = store.MaxSequence(ctx, "", key)
	if err != nil {
		t.Fatalf("Failed to read max sn: %v", err)
	}
	if max != 3 {
		t.Errorf("Expected max sn 3, got %d", max)
	}
}

func TestMaxProvenance_SpansBothTables(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	source := "source-" + uuid.New().String()

	appended := testDoc(uuid.New().String(), 1, `{}`)
	appended.Provenance = &ds.Provenance{StreamID: source, Sn: 12}
	if _, err := store.AppendBatch(ctx, docstore.AppendRequest{
		Key:  appended.StreamID,
		Docs: []ds.Document{appended},
	}); err != nil {
		t.Fatalf("Failed to append document: %v", err)
	}

	key := uuid.New().String()
	materialized := ds.Document{
		ID:         key,
		StreamID:   key,
		Sn:         1,
		EventType:  "StateChanged",
		Data:       json.RawMessage(`{}`),
		WrittenAt:  time.Now().UTC(),
		Provenance: &ds.Provenance{StreamID: source, Sn: 40},
	}
	if _, err := store.Upsert(ctx, docstore.UpsertRequest{Key: key, Doc: materialized}); err != nil {
		t.Fatalf("Failed to upsert document: %v", err)
	}

	max, _, err := store.MaxProvenance(ctx, "", source)
	if err != nil {
		t.Fatalf("Failed to read max provenance: %v", err)
	}
	if max != 40 {
		t.Errorf("Expected max provenance 40, got %d", max)
	}

	max, _, err = store.MaxProvenance(ctx, "", "never-seen")
	if err != nil {
		t.Fatalf("Failed to read max provenance: %v", err)
	}
	if max != 0 {
		t.Errorf("Expected max provenance 0 for unknown source, got %d", max)
	}
}

func TestUniqueViolationDetection(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	key := uuid.New().String()
	if _, err := store.AppendBatch(ctx, docstore.AppendRequest{
		Key:  key,
		Docs: []ds.Document{testDoc(key, 1, `{}`)},
	}); err != nil {
		t.Fatalf("First append failed: %v", err)
	}

	// Manually insert the same (collection, stream_id, sn) to trigger the
	// primary key constraint
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (
			collection, id, stream_id, sn, event_type, data, written_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, "documents", ds.AppendDocID(key, 1), key, int64(1), "TestEvent",
		[]byte(`{}`), time.Now().UTC().Format("2006-01-02 15:04:05.999999"))

	if err == nil {
		t.Fatal("Expected unique constraint violation, got nil")
	}
	if !sqlite.IsUniqueViolation(err) {
		t.Errorf("Expected unique violation error, got: %v", err)
	}
}

func TestAppendRaceSurfacesConflict(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTestTables(t, db)

	ctx := context.Background()
	store := sqlite.NewStore(db, sqlite.DefaultStoreConfig())

	// Occupy sn 1 outside the adapter so the expected-sn check passes but
	// the insert itself collides
	key := uuid.New().String()
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (
			collection, id, stream_id, sn, event_type, data, written_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, "shadow", ds.AppendDocID(key, 1), key, int64(1), "TestEvent",
		[]byte(`{}`), time.Now().UTC().Format("2006-01-02 15:04:05.999999"))
	if err != nil {
		t.Fatalf("Seed insert failed: %v", err)
	}

	_, err = store.AppendBatch(ctx, docstore.AppendRequest{
		Collection: "shadow",
		Key:        key,
		BaseSn:     1,
		VerifySn:   true,
		Docs:       []ds.Document{testDoc(key, 1, `{}`)},
	})
	if err == nil {
		t.Fatal("Expected conflict, got nil")
	}
	var reqErr *docstore.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Expected RequestError, got %T: %v", err, err)
	}
	if reqErr.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", reqErr.StatusCode)
	}
}
