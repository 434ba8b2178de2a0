package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schedule_runs (
		id UUID PRIMARY KEY,
		status TEXT NOT NULL,
		solve_status TEXT,
		input JSONB NOT NULL,
		config JSONB NOT NULL,
		result JSONB,
		objective DOUBLE PRECISION,
		error_code TEXT,
		error_message TEXT,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		finished_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS schedule_assignments (
		id UUID PRIMARY KEY,
		run_id UUID NOT NULL REFERENCES schedule_runs(id) ON DELETE CASCADE,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		section_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		block TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_assignments_entity ON schedule_assignments (run_id, entity_kind, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_runs_created_at ON schedule_runs (created_at DESC)`,
}

// EnsureSchema creates the run store tables when they are missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
