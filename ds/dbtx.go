package ds

import (
	"context"
	"database/sql"
)

// DBTX is a minimal interface for relational database operations.
// It is implemented by both *sql.DB and *sql.Tx, allowing
// the relational helpers to be transaction-agnostic.
//
// This design gives callers full control over transaction boundaries
// while keeping the library focused on document streaming concerns.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Ensure standard library types implement DBTX
var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
)
