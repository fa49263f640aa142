package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS transcoding_status (
		asset_id   TEXT PRIMARY KEY,
		status     TEXT NOT NULL CHECK (status IN ('PROCESSING', 'FINISHED')),
		version    BIGINT NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS transcoding_jobs (
		asset_id           TEXT PRIMARY KEY,
		execution_id       UUID NOT NULL,
		source_key         TEXT NOT NULL,
		state              TEXT NOT NULL,
		attempt            INTEGER NOT NULL DEFAULT 0,
		completed_branches BIGINT NOT NULL DEFAULT 0,
		last_error         TEXT NOT NULL DEFAULT '',
		submitted_at       TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		version            BIGINT NOT NULL DEFAULT 0
	)`,
	`ALTER TABLE transcoding_jobs ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS transcoding_jobs_state_idx ON transcoding_jobs (state)`,
}

// EnsureSchema creates the tables used by StatusStore and JobRepository.
// Every statement is idempotent.
func EnsureSchema(ctx context.Context, db DBTX) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
