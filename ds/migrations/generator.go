package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config configures provisioning generation.
type Config struct {
	// OutputFolder is the directory where the provisioning file will be written
	OutputFolder string

	// OutputFilename is the name of the provisioning file
	OutputFilename string

	// DocumentsTable is the name of the append log table
	DocumentsTable string

	// MaterializedTable is the name of the materialized documents table
	MaterializedTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:      "migrations",
		OutputFilename:    fmt.Sprintf("%s_init_docstream.sql", timestamp),
		DocumentsTable:    "documents",
		MaterializedTable: "materialized_documents",
	}
}

// GeneratePostgres generates a PostgreSQL provisioning file.
func GeneratePostgres(config *Config) error {
	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	sql := generatePostgresSQL(config)

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write provisioning file: %w", err)
	}

	return nil
}

func generatePostgresSQL(config *Config) string {
	return fmt.Sprintf(`-- Document Stream Provisioning
-- Generated: %s

-- Append log: one immutable row per (collection, stream, sn)
CREATE TABLE IF NOT EXISTS %s (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    sn BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    data JSONB,
    written_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    trace_id TEXT,
    span_id TEXT,
    ttl_seconds BIGINT,
    prov_stream_id TEXT,
    prov_sn BIGINT,

    -- One sn per stream; doubles as the optimistic concurrency safety net
    PRIMARY KEY (collection, stream_id, sn)
);

-- Index for provenance watermark queries
CREATE INDEX IF NOT EXISTS idx_%s_provenance
    ON %s (collection, prov_stream_id, prov_sn) WHERE prov_stream_id IS NOT NULL;

-- Materialized documents: one last-write-wins row per (collection, id)
CREATE TABLE IF NOT EXISTS %s (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    sn BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    data JSONB,
    written_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    trace_id TEXT,
    span_id TEXT,
    ttl_seconds BIGINT,
    prov_stream_id TEXT,
    prov_sn BIGINT,

    PRIMARY KEY (collection, id)
);

-- Index for provenance watermark queries
CREATE INDEX IF NOT EXISTS idx_%s_provenance
    ON %s (collection, prov_stream_id, prov_sn) WHERE prov_stream_id IS NOT NULL;

-- append_stream validates the expected sn and inserts the whole batch in
-- one transaction. The rejection message layout is a wire contract shared
-- with the client-side conflict parser.
CREATE OR REPLACE FUNCTION append_stream(
    p_collection TEXT,
    p_key TEXT,
    p_base_sn BIGINT,
    p_verify BOOLEAN,
    p_docs JSONB
) RETURNS BIGINT AS $$
DECLARE
    v_actual BIGINT;
    v_doc JSONB;
    v_count BIGINT := 0;
BEGIN
    SELECT COALESCE(MAX(sn), 0) INTO v_actual
    FROM %s
    WHERE collection = p_collection AND stream_id = p_key;

    IF p_verify AND v_actual <> p_base_sn THEN
        RAISE EXCEPTION 'bulk insert rejected for stream "%%": new sn %%, expected sn %%, actual sn %%',
            p_key, COALESCE((p_docs->0->>'sn')::BIGINT, p_base_sn + 1), p_base_sn, v_actual;
    END IF;

    FOR v_doc IN SELECT * FROM jsonb_array_elements(p_docs) LOOP
        INSERT INTO %s (
            collection, id, stream_id, sn, event_type, data,
            written_at, trace_id, span_id, ttl_seconds,
            prov_stream_id, prov_sn
        ) VALUES (
            p_collection,
            v_doc->>'id',
            p_key,
            (v_doc->>'sn')::BIGINT,
            v_doc->>'event_type',
            v_doc->'data',
            COALESCE((v_doc->>'written_at')::TIMESTAMPTZ, NOW()),
            v_doc->>'trace_id',
            v_doc->>'span_id',
            (v_doc->>'ttl_seconds')::BIGINT,
            v_doc->>'prov_stream_id',
            (v_doc->>'prov_sn')::BIGINT
        );
        v_count := v_count + 1;
    END LOOP;

    RETURN v_count;
END;
$$ LANGUAGE plpgsql;

-- upsert_stream validates the expected sn and replaces the materialized
-- document in one transaction. Same rejection message contract as
-- append_stream, with its own verb.
CREATE OR REPLACE FUNCTION upsert_stream(
    p_collection TEXT,
    p_key TEXT,
    p_base_sn BIGINT,
    p_verify BOOLEAN,
    p_doc JSONB
) RETURNS VOID AS $$
DECLARE
    v_actual BIGINT;
BEGIN
    SELECT COALESCE(MAX(sn), 0) INTO v_actual
    FROM %s
    WHERE collection = p_collection AND id = p_key;

    IF p_verify AND v_actual <> p_base_sn THEN
        RAISE EXCEPTION 'upsert rejected for stream "%%": new sn %%, expected sn %%, actual sn %%',
            p_key, COALESCE((p_doc->>'sn')::BIGINT, p_base_sn + 1), p_base_sn, v_actual;
    END IF;

    INSERT INTO %s (
        collection, id, stream_id, sn, event_type, data,
        written_at, trace_id, span_id, ttl_seconds,
        prov_stream_id, prov_sn
    ) VALUES (
        p_collection,
        p_doc->>'id',
        p_doc->>'stream_id',
        (p_doc->>'sn')::BIGINT,
        p_doc->>'event_type',
        p_doc->'data',
        COALESCE((p_doc->>'written_at')::TIMESTAMPTZ, NOW()),
        p_doc->>'trace_id',
        p_doc->>'span_id',
        (p_doc->>'ttl_seconds')::BIGINT,
        p_doc->>'prov_stream_id',
        (p_doc->>'prov_sn')::BIGINT
    )
    ON CONFLICT (collection, id) DO UPDATE SET
        stream_id = EXCLUDED.stream_id,
        sn = EXCLUDED.sn,
        event_type = EXCLUDED.event_type,
        data = EXCLUDED.data,
        written_at = EXCLUDED.written_at,
        trace_id = EXCLUDED.trace_id,
        span_id = EXCLUDED.span_id,
        ttl_seconds = EXCLUDED.ttl_seconds,
        prov_stream_id = EXCLUDED.prov_stream_id,
        prov_sn = EXCLUDED.prov_sn;
END;
$$ LANGUAGE plpgsql;
`,
		time.Now().Format(time.RFC3339),
		config.DocumentsTable,
		config.DocumentsTable, config.DocumentsTable,
		config.MaterializedTable,
		config.MaterializedTable, config.MaterializedTable,
		config.DocumentsTable,
		config.DocumentsTable,
		config.MaterializedTable,
		config.MaterializedTable,
	)
}

// GenerateSQLite generates a SQLite provisioning file.
func GenerateSQLite(config *Config) error {
	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	sql := generateSQLiteSQL(config)

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write provisioning file: %w", err)
	}

	return nil
}

func generateSQLiteSQL(config *Config) string {
	return fmt.Sprintf(`-- Document Stream Provisioning for SQLite
-- Generated: %s

-- Append log: one immutable row per (collection, stream, sn)
CREATE TABLE IF NOT EXISTS %s (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    sn INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    data BLOB,
    written_at TEXT NOT NULL DEFAULT (datetime('now')),
    trace_id TEXT,
    span_id TEXT,
    ttl_seconds INTEGER,
    prov_stream_id TEXT,
    prov_sn INTEGER,

    -- One sn per stream; doubles as the optimistic concurrency safety net
    PRIMARY KEY (collection, stream_id, sn)
);

-- Index for provenance watermark queries
CREATE INDEX IF NOT EXISTS idx_%s_provenance
    ON %s (collection, prov_stream_id, prov_sn);

-- Materialized documents: one last-write-wins row per (collection, id)
CREATE TABLE IF NOT EXISTS %s (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    sn INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    data BLOB,
    written_at TEXT NOT NULL DEFAULT (datetime('now')),
    trace_id TEXT,
    span_id TEXT,
    ttl_seconds INTEGER,
    prov_stream_id TEXT,
    prov_sn INTEGER,

    PRIMARY KEY (collection, id)
);

-- Index for provenance watermark queries
CREATE INDEX IF NOT EXISTS idx_%s_provenance
    ON %s (collection, prov_stream_id, prov_sn);
`,
		time.Now().Format(time.RFC3339),
		config.DocumentsTable,
		config.DocumentsTable, config.DocumentsTable,
		config.MaterializedTable,
		config.MaterializedTable, config.MaterializedTable,
	)
}

// GenerateMySQL generates a MySQL/MariaDB provisioning file.
func GenerateMySQL(config *Config) error {
	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	sql := generateMySQLSQL(config)

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write provisioning file: %w", err)
	}

	return nil
}

func generateMySQLSQL(config *Config) string {
	return fmt.Sprintf(`-- Document Stream Provisioning for MySQL/MariaDB
-- Generated: %s

-- Append log: one immutable row per (collection, stream, sn)
CREATE TABLE IF NOT EXISTS %s (
    collection VARCHAR(255) NOT NULL,
    id VARCHAR(255) NOT NULL,
    stream_id VARCHAR(255) NOT NULL,
    sn BIGINT NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    data JSON,
    written_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    trace_id VARCHAR(64),
    span_id VARCHAR(32),
    ttl_seconds BIGINT,
    prov_stream_id VARCHAR(255),
    prov_sn BIGINT,

    -- One sn per stream; doubles as the optimistic concurrency safety net
    PRIMARY KEY (collection, stream_id, sn)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Index for provenance watermark queries
CREATE INDEX idx_%s_provenance
    ON %s (collection, prov_stream_id, prov_sn);

-- Materialized documents: one last-write-wins row per (collection, id)
CREATE TABLE IF NOT EXISTS %s (
    collection VARCHAR(255) NOT NULL,
    id VARCHAR(255) NOT NULL,
    stream_id VARCHAR(255) NOT NULL,
    sn BIGINT NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    data JSON,
    written_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    trace_id VARCHAR(64),
    span_id VARCHAR(32),
    ttl_seconds BIGINT,
    prov_stream_id VARCHAR(255),
    prov_sn BIGINT,

    PRIMARY KEY (collection, id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Index for provenance watermark queries
CREATE INDEX idx_%s_provenance
    ON %s (collection, prov_stream_id, prov_sn);
`,
		time.Now().Format(time.RFC3339),
		config.DocumentsTable,
		config.DocumentsTable, config.DocumentsTable,
		config.MaterializedTable,
		config.MaterializedTable, config.MaterializedTable,
	)
}
