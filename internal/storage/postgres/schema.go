package postgres

import (
	"context"
	"fmt"
)

// schemaStatements creates tables on first open. The vector extension
// must already be installed in the target database.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS runs (
		run_id      TEXT PRIMARY KEY,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		kind        TEXT NOT NULL,
		categories  JSONB NOT NULL DEFAULT '[]',
		total_seen  INTEGER NOT NULL DEFAULT 0,
		added       INTEGER NOT NULL DEFAULT 0,
		maintained  INTEGER NOT NULL DEFAULT 0,
		removed     INTEGER NOT NULL DEFAULT 0,
		skipped     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
		entity_id      TEXT PRIMARY KEY,
		first_seen_run TEXT NOT NULL,
		last_seen_run  TEXT NOT NULL,
		is_active      BOOLEAN NOT NULL,
		first_seen_at  TIMESTAMPTZ NOT NULL,
		last_seen_at   TIMESTAMPTZ NOT NULL,
		title          TEXT NOT NULL DEFAULT '',
		organization   TEXT NOT NULL DEFAULT '',
		location       TEXT NOT NULL DEFAULT '',
		url            TEXT NOT NULL DEFAULT '',
		raw_payload    JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS run_status (
		run_id    TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		status    TEXT NOT NULL,
		PRIMARY KEY (run_id, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS embeddings (
		entity_id        TEXT PRIMARY KEY REFERENCES entities(entity_id),
		digest           TEXT NOT NULL,
		vector_dimension INTEGER NOT NULL,
		embedding        vector NOT NULL,
		embedded_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS interactions (
		entity_id   TEXT NOT NULL,
		kind        TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profile (
		onerow        BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (onerow),
		display_id    TEXT NOT NULL,
		source_digest TEXT NOT NULL,
		embedding     vector NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_active ON entities (is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_last_seen ON entities (last_seen_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs (finished_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_entity ON interactions (entity_id)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
