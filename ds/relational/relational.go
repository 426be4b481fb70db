// Package relational provides a dialect-aware multi-row INSERT builder for
// bulk-loading documents into SQL stores.
//
// The builder produces one statement per chunk of rows, with placeholders in
// the target dialect's style, and normalizes Go values into types every
// driver accepts. It writes through the same minimal DBTX surface the SQL
// adapters use, so it runs equally inside or outside a transaction.
package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/streamhaus/docstream/ds"
)

// Dialect selects placeholder style and value normalization quirks.
type Dialect int

const (
	// MySQL uses ? placeholders and stores booleans as TINYINT.
	MySQL Dialect = iota
	// Postgres uses $n placeholders.
	Postgres
)

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case MySQL:
		return "mysql"
	case Postgres:
		return "postgres"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// Placeholder returns the parameter marker for the 1-based position n.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Config controls the insert builder.
type Config struct {
	// Table is the target table name
	Table string

	// Columns are the insert columns, in order
	Columns []string

	// Dialect selects the placeholder style
	Dialect Dialect

	// MaxRowsPerBatch chunks large loads into multiple statements;
	// zero or negative means one statement for all rows. Keep
	// rows*columns under the driver's placeholder cap (65535 for both
	// supported dialects).
	MaxRowsPerBatch int

	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger ds.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Table == "" {
		return errors.New("relational: Table is required")
	}
	if len(c.Columns) == 0 {
		return errors.New("relational: Columns are required")
	}
	return nil
}

// Inserter builds and executes multi-row INSERT statements.
type Inserter struct {
	config Config
}

// NewInserter creates an inserter with the given configuration.
func NewInserter(config Config) (*Inserter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Inserter{config: config}, nil
}

// Statement builds the SQL text and flattened argument list for one chunk
// of rows. Every row must match the configured column count.
func (ins *Inserter) Statement(rows [][]interface{}) (string, []interface{}, error) {
	if len(rows) == 0 {
		return "", nil, errors.New("relational: no rows")
	}

	cols := ins.config.Columns
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(ins.config.Table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(rows)*len(cols))
	for i, row := range rows {
		if len(row) != len(cols) {
			return "", nil, fmt.Errorf("relational: row %d has %d values, want %d", i, len(row), len(cols))
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(ins.config.Dialect.Placeholder(len(args) + 1))
			normalized, err := normalizeValue(ins.config.Dialect, v)
			if err != nil {
				return "", nil, fmt.Errorf("relational: row %d column %s: %w", i, cols[j], err)
			}
			args = append(args, normalized)
		}
		sb.WriteByte(')')
	}
	return sb.String(), args, nil
}

// Insert writes all rows through db, chunked per the configuration.
// It returns the number of rows staged across all executed statements.
func (ins *Inserter) Insert(ctx context.Context, db ds.DBTX, rows [][]interface{}) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	chunkSize := ins.config.MaxRowsPerBatch
	if chunkSize <= 0 {
		chunkSize = len(rows)
	}

	var total int64
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		query, args, err := ins.Statement(chunk)
		if err != nil {
			return total, err
		}
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return total, fmt.Errorf("failed to insert rows %d..%d: %w", start, end-1, err)
		}
		total += int64(len(chunk))

		if ins.config.Logger != nil {
			ins.config.Logger.Debug(ctx, "bulk insert chunk written",
				"table", ins.config.Table,
				"rows", len(chunk))
		}
	}
	return total, nil
}

// normalizeValue converts a Go value into a type every driver accepts.
func normalizeValue(dialect Dialect, v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return val.UTC(), nil
	case bool:
		// MySQL BOOLEAN columns are TINYINT
		if dialect == MySQL {
			if val {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return val, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return []byte(val), nil
	case []byte, string, int, int32, int64, uint32, float32, float64:
		return val, nil
	default:
		// Anything structured is stored as JSON
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		return data, nil
	}
}

// IsDuplicate reports whether err is a duplicate-key rejection in either
// supported dialect. This is exported for testing purposes.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "duplicate key") ||
		strings.Contains(errMsg, "UNIQUE constraint failed")
}
