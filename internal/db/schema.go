package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SchemaVersion is the schema generation this build understands. The stored
// version is checked at startup so an old binary never writes into a newer
// database.
const SchemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		repo_url TEXT NOT NULL DEFAULT '',
		default_branch TEXT NOT NULL DEFAULT 'main',
		status_semantics TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS board_columns (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		position INTEGER NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		parent_task_id TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		column_id TEXT NOT NULL DEFAULT '',
		column_position INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		completed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status)`,
	`CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		depends_on TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		PRIMARY KEY (task_id, depends_on)
	)`,
	`CREATE TABLE IF NOT EXISTS agent_assignments (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		action TEXT NOT NULL DEFAULT '',
		filter_labels TEXT NOT NULL DEFAULT '[]',
		filter_paths TEXT NOT NULL DEFAULT '[]',
		filter_authors TEXT NOT NULL DEFAULT '[]',
		auto_respond INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		task_description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_step_id TEXT NOT NULL DEFAULT '',
		outputs TEXT NOT NULL DEFAULT '{}',
		human_context TEXT NOT NULL DEFAULT '{}',
		model_override TEXT NOT NULL DEFAULT '',
		task_branch TEXT NOT NULL DEFAULT '',
		workspace_type TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		completed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_logical_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		inputs TEXT NOT NULL DEFAULT '{}',
		outputs TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT '',
		started_at BIGINT,
		completed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		container_id TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		started_at BIGINT,
		last_activity_at BIGINT,
		completed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		delivery_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		action TEXT NOT NULL DEFAULT '',
		repository TEXT NOT NULL DEFAULT '',
		installation_id TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		verified INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		processing_error TEXT NOT NULL DEFAULT '',
		received_at BIGINT NOT NULL,
		processed_at BIGINT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_webhooks_delivery ON webhook_events(delivery_id)`,
	`CREATE INDEX IF NOT EXISTS idx_webhooks_pending ON webhook_events(processed, received_at)`,
	`CREATE TABLE IF NOT EXISTS retrieval_scores (
		agent_id TEXT NOT NULL,
		memory_id TEXT NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_accessed BIGINT,
		PRIMARY KEY (agent_id, memory_id)
	)`,
}

// EnsureSchema bootstraps an empty database and validates the schema version
// of an existing one. A database written by a newer build is rejected rather
// than silently downgraded.
func EnsureSchema(ctx context.Context, pool *Pool) error {
	w := pool.Writer()

	for _, stmt := range schemaStatements {
		if _, err := w.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}

	var stored int
	err := w.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := w.ExecContext(ctx,
			w.Rebind("INSERT INTO schema_version (version) VALUES (?)"), SchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if stored > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d; upgrade the binary", stored, SchemaVersion)
	}
	if stored < SchemaVersion {
		return fmt.Errorf("database schema version %d is behind required version %d; run migrations first", stored, SchemaVersion)
	}
	return nil
}
