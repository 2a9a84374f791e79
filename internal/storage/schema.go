package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaStatements returns the DDL for the given driver. The embedding
// vector column is dimensioned from configuration; Postgres uses pgvector,
// SQLite stores the vector literal as text and similarity is computed in Go.
func SchemaStatements(driver string, dimension int) []string {
	vectorCol := "TEXT"
	if driver == DriverPostgres {
		vectorCol = fmt.Sprintf("vector(%d)", dimension)
	}

	stmts := []string{}
	if driver == DriverPostgres {
		stmts = append(stmts, `CREATE EXTENSION IF NOT EXISTS vector`)
	}

	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS manufacturers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			name_normalized TEXT NOT NULL UNIQUE,
			pattern_key TEXT NOT NULL,
			website TEXT,
			support TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			file_hash TEXT NOT NULL UNIQUE,
			file_size BIGINT NOT NULL,
			document_type TEXT NOT NULL,
			manufacturer_id TEXT REFERENCES manufacturers(id),
			language TEXT,
			page_count INTEGER,
			processing_status TEXT NOT NULL,
			current_stage TEXT,
			uploaded_by TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS product_series (
			id TEXT PRIMARY KEY,
			manufacturer_id TEXT NOT NULL REFERENCES manufacturers(id),
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (manufacturer_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			manufacturer_id TEXT NOT NULL REFERENCES manufacturers(id),
			model_number TEXT NOT NULL,
			series_id TEXT REFERENCES product_series(id),
			type TEXT NOT NULL,
			specifications TEXT,
			oem_manufacturer_id TEXT REFERENCES manufacturers(id),
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (manufacturer_id, model_number)
		)`,

		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id),
			ordinal INTEGER NOT NULL,
			page_number INTEGER NOT NULL,
			section_hierarchy TEXT,
			section_level INTEGER NOT NULL,
			text TEXT NOT NULL,
			previous_chunk_id TEXT,
			next_chunk_id TEXT,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (document_id, ordinal)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
			id TEXT PRIMARY KEY,
			owner_kind TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			model_name TEXT NOT NULL,
			dimension INTEGER NOT NULL,
			vector %s,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (owner_kind, owner_id, model_name)
		)`, vectorCol),

		`CREATE TABLE IF NOT EXISTS error_codes (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id),
			manufacturer_id TEXT NOT NULL REFERENCES manufacturers(id),
			product_id TEXT REFERENCES products(id),
			chunk_id TEXT,
			error_code TEXT NOT NULL,
			error_description TEXT,
			solution_text TEXT,
			page_number INTEGER NOT NULL,
			confidence_score REAL NOT NULL,
			severity_level TEXT,
			requires_technician BOOLEAN,
			requires_parts BOOLEAN,
			context_text TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id),
			page_number INTEGER NOT NULL,
			image_type TEXT NOT NULL,
			blob_bucket TEXT NOT NULL,
			blob_key TEXT NOT NULL,
			context_text TEXT,
			ocr_text TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS links (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id),
			url TEXT NOT NULL,
			link_type TEXT NOT NULL,
			page_number INTEGER NOT NULL,
			title TEXT,
			provider TEXT,
			duration_seconds INTEGER,
			metadata TEXT,
			validation_status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (document_id, url)
		)`,

		`CREATE TABLE IF NOT EXISTS processing_queue (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			worker_id TEXT,
			lease_deadline TIMESTAMP,
			not_before TIMESTAMP,
			enqueued_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			last_error TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS stage_status (
			document_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			duration_ms BIGINT,
			error_kind TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (document_id, stage)
		)`,

		`CREATE TABLE IF NOT EXISTS pipeline_errors (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			error_message TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			remediation TEXT,
			created_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			resolved_by TEXT,
			resolution_notes TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			document_id TEXT,
			action TEXT NOT NULL,
			actor TEXT,
			payload TEXT,
			occurred_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_queue_pending
			ON processing_queue (status, priority, enqueued_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active_pair
			ON processing_queue (document_id, stage)
			WHERE status IN ('pending', 'leased')`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document
			ON chunks (document_id, ordinal)`,
		`CREATE INDEX IF NOT EXISTS idx_error_codes_document
			ON error_codes (document_id, page_number)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_errors_stage
			ON pipeline_errors (stage, status)`,
	)

	return stmts
}

// Migrate applies the schema. Statements are idempotent so migration can run
// at every startup.
func Migrate(ctx context.Context, db *sql.DB, driver string, dimension int) error {
	for _, stmt := range SchemaStatements(driver, dimension) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
