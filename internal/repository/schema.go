package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"entgo.io/ent/dialect"
)

// Table names.
const (
	tableDocuments   = "documents"
	tableContent     = "content_records"
	tableExtractions = "extraction_records"
	tableMetrics     = "metrics_records"
	tableEvents      = "status_events"
)

// ddl is rendered per dialect: {{ts}} is the timestamp type.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		filename     TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		storage_ref  TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		format       TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		status_label TEXT NOT NULL DEFAULT '',
		last_error   TEXT,
		error_stage  TEXT,
		owner_ref    TEXT,
		ocr_model    TEXT,
		base_source  TEXT,
		created_at   {{ts}} NOT NULL,
		updated_at   {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS documents_content_hash_idx ON documents (content_hash)`,
	`CREATE TABLE IF NOT EXISTS content_records (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
		source      TEXT NOT NULL,
		text        TEXT NOT NULL,
		metadata    TEXT NOT NULL DEFAULT '{}',
		char_count  INTEGER NOT NULL DEFAULT 0,
		created_at  {{ts}} NOT NULL,
		updated_at  {{ts}} NOT NULL,
		UNIQUE (document_id, source)
	)`,
	`CREATE TABLE IF NOT EXISTS extraction_records (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
		kind        TEXT NOT NULL,
		source      TEXT NOT NULL,
		payload     TEXT NOT NULL,
		page_index  INTEGER,
		table_index INTEGER,
		created_at  {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS extraction_records_document_idx ON extraction_records (document_id)`,
	`CREATE TABLE IF NOT EXISTS metrics_records (
		id                TEXT PRIMARY KEY,
		document_id       TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
		source            TEXT NOT NULL DEFAULT '',
		stage             TEXT NOT NULL,
		started_at        {{ts}} NOT NULL,
		ended_at          {{ts}} NOT NULL,
		duration_ms       BIGINT NOT NULL,
		prompt_tokens     BIGINT,
		completion_tokens BIGINT,
		total_tokens      BIGINT,
		success           BOOLEAN NOT NULL,
		error             TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS metrics_records_document_idx ON metrics_records (document_id)`,
	`CREATE TABLE IF NOT EXISTS status_events (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
		status      TEXT NOT NULL,
		stage       TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		created_at  {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS status_events_document_idx ON status_events (document_id)`,
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ts := "DATETIME"
	if db.Dialect() == dialect.Postgres {
		ts = "TIMESTAMPTZ"
	}
	for _, stmt := range ddl {
		q := strings.ReplaceAll(stmt, "{{ts}}", ts)
		if _, err := exec(ctx, db.drv, q, nil); err != nil {
			logger.Error("migration failed", "error", err)
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("database schema ready", "dialect", db.Dialect())
	return nil
}
