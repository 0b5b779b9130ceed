package database

import (
	"context"
	"fmt"
)

// schemaStatements is the full analytical schema. Every statement is
// idempotent (IF NOT EXISTS) so EnsureSchema can run on every startup.
//
// Raw tables (sessions, messages, parts) are direct projections of the
// storage-tree JSON. Derived tables (delegations, agent_traces,
// step_events, patches) are rebuildable projections of the raw tables.
// sync_state and file_processing carry pipeline bookkeeping.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id            VARCHAR PRIMARY KEY,
		parent_id     VARCHAR,
		project_id    VARCHAR,
		directory     VARCHAR,
		title         VARCHAR,
		additions     BIGINT DEFAULT 0,
		deletions     BIGINT DEFAULT 0,
		files_changed BIGINT DEFAULT 0,
		created_at    TIMESTAMP,
		updated_at    TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                 VARCHAR PRIMARY KEY,
		session_id         VARCHAR,
		parent_id          VARCHAR,
		role               VARCHAR,
		agent              VARCHAR,
		model_id           VARCHAR,
		provider_id        VARCHAR,
		mode               VARCHAR,
		cost               DOUBLE DEFAULT 0,
		finish             VARCHAR,
		cwd                VARCHAR,
		tokens_input       BIGINT DEFAULT 0,
		tokens_output      BIGINT DEFAULT 0,
		tokens_reasoning   BIGINT DEFAULT 0,
		tokens_cache_read  BIGINT DEFAULT 0,
		tokens_cache_write BIGINT DEFAULT 0,
		created_at         TIMESTAMP,
		completed_at       TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS parts (
		id            VARCHAR PRIMARY KEY,
		session_id    VARCHAR,
		message_id    VARCHAR,
		part_type     VARCHAR,
		tool_name     VARCHAR,
		tool_status   VARCHAR,
		call_id       VARCHAR,
		content       VARCHAR,
		arguments     JSON,
		created_at    TIMESTAMP,
		ended_at      TIMESTAMP,
		duration_ms   BIGINT,
		error_message VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS delegations (
		id               VARCHAR PRIMARY KEY,
		session_id       VARCHAR,
		message_id       VARCHAR,
		parent_agent     VARCHAR,
		child_agent      VARCHAR,
		child_session_id VARCHAR,
		created_at       TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS agent_traces (
		trace_id         VARCHAR PRIMARY KEY,
		session_id       VARCHAR,
		parent_trace_id  VARCHAR,
		parent_agent     VARCHAR,
		subagent_type    VARCHAR,
		prompt_input     VARCHAR,
		prompt_output    VARCHAR,
		started_at       TIMESTAMP,
		ended_at         TIMESTAMP,
		duration_ms      BIGINT,
		tokens_in        BIGINT DEFAULT 0,
		tokens_out       BIGINT DEFAULT 0,
		status           VARCHAR,
		child_session_id VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS step_events (
		id                 VARCHAR PRIMARY KEY,
		session_id         VARCHAR,
		message_id         VARCHAR,
		kind               VARCHAR,
		created_at         TIMESTAMP,
		tokens_input       BIGINT DEFAULT 0,
		tokens_output      BIGINT DEFAULT 0,
		tokens_reasoning   BIGINT DEFAULT 0,
		tokens_cache_read  BIGINT DEFAULT 0,
		tokens_cache_write BIGINT DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS patches (
		id         VARCHAR PRIMARY KEY,
		session_id VARCHAR,
		git_hash   VARCHAR,
		files      JSON,
		created_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		id          INTEGER PRIMARY KEY,
		phase       VARCHAR NOT NULL,
		t0          BIGINT DEFAULT 0,
		files_total BIGINT DEFAULT 0,
		files_done  BIGINT DEFAULT 0,
		last_indexed TIMESTAMP,
		updated_at  TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS file_processing (
		file_path     VARCHAR PRIMARY KEY,
		file_type     VARCHAR,
		last_modified DOUBLE,
		processed_at  TIMESTAMP,
		status        VARCHAR,
		checksum      VARCHAR
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_parts_message ON parts(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_delegations_session ON delegations(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_delegations_parent_agent ON delegations(parent_agent)`,
	`CREATE INDEX IF NOT EXISTS idx_file_processing_type ON file_processing(file_type)`,
	`CREATE INDEX IF NOT EXISTS idx_file_processing_status ON file_processing(status)`,
}

// EnsureSchema creates all tables and indexes. Safe to call repeatedly.
func (c *Client) EnsureSchema(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, stmt := range schemaStatements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// ClearData truncates every data and bookkeeping table. Used by explicit
// reset and by tests; never called implicitly.
func (c *Client) ClearData(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	tables := []string{
		"parts", "messages", "sessions",
		"delegations", "agent_traces", "step_events", "patches",
		"sync_state", "file_processing",
	}
	for _, table := range tables {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
