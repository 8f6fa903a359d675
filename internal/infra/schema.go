package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS user_profiles (
		user_id       UUID PRIMARY KEY,
		monthly_limit INT NOT NULL DEFAULT 100 CHECK (monthly_limit >= 0),
		monthly_used  INT NOT NULL DEFAULT 0 CHECK (monthly_used >= 0),
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversion_jobs (
		id                 UUID PRIMARY KEY,
		user_id            UUID NOT NULL,
		source_key         TEXT NOT NULL,
		source_name        TEXT NOT NULL DEFAULT '',
		source_size        BIGINT NOT NULL DEFAULT 0,
		prompt             TEXT NOT NULL,
		model              TEXT NOT NULL,
		preset_id          INT,
		preset_name        TEXT,
		generation_count   INT NOT NULL CHECK (generation_count BETWEEN 1 AND 5),
		usage_consumed     INT NOT NULL DEFAULT 0 CHECK (usage_consumed >= 0),
		aspect_ratio       TEXT NOT NULL DEFAULT '4:3',
		status             TEXT NOT NULL DEFAULT 'pending',
		error_message      TEXT,
		processing_seconds NUMERIC(10,3),
		attempts           INT NOT NULL DEFAULT 0,
		next_attempt_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_user_created
		ON conversion_jobs (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_due
		ON conversion_jobs (status, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS generated_artifacts (
		id          UUID PRIMARY KEY,
		job_id      UUID NOT NULL REFERENCES conversion_jobs (id) ON DELETE CASCADE,
		storage_key TEXT NOT NULL,
		name        TEXT NOT NULL,
		size_bytes  BIGINT NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generated_artifacts_job
		ON generated_artifacts (job_id, created_at)`,
}

// EnsureSchema creates the tables the service needs if they are missing.
// Statements are idempotent so repeated startups are safe.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
