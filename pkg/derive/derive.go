// Package derive builds the derived tables (agent_traces, delegations) from
// the raw tables, in batch after a bulk load and per-row from the live path.
package derive

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentlens/agentlens/pkg/database"
)

// chainDepthCap bounds the recursive delegation-chain walk.
const chainDepthCap = 100

// Deriver owns the SQL projections from raw to derived tables. Every
// statement is an upsert (INSERT OR IGNORE / INSERT OR REPLACE), so
// derivation converges no matter how often it runs.
type Deriver struct {
	client *database.Client
}

// NewDeriver creates a deriver over the shared store client.
func NewDeriver(client *database.Client) *Deriver {
	return &Deriver{client: client}
}

// Root traces: one per session without a parent. The trace spans the
// session's own lifetime and points back at the session as its child.
const rootTraceSelect = `
	SELECT 'root_' || s.id, s.id, NULL, NULL, 'user',
	       NULL, NULL,
	       s.created_at, s.updated_at,
	       CAST(date_diff('millisecond', s.created_at, s.updated_at) AS BIGINT),
	       0, 0, 'completed', s.id
	FROM sessions s
	WHERE s.parent_id IS NULL`

// Delegation traces: one per task tool part that has a status and a start
// instant. The parent trace is the delegation that spawned the part's
// session when one exists, else the session's root trace.
const delegationTraceSelect = `
	SELECT 'del_' || p.id, p.session_id,
	       COALESCE(
	           (SELECT 'del_' || pd.id FROM delegations pd
	            WHERE pd.child_session_id = p.session_id LIMIT 1),
	           'root_' || p.session_id),
	       COALESCE(m.agent, m.role),
	       COALESCE(json_extract_string(p.arguments, '$.subagent_type'), 'unknown'),
	       json_extract_string(p.arguments, '$.prompt'),
	       p.content,
	       p.created_at, p.ended_at, p.duration_ms,
	       0, 0,
	       p.tool_status,
	       json_extract_string(p.arguments, '$.session_id')
	FROM parts p
	JOIN messages m ON p.message_id = m.id
	WHERE p.tool_name = 'task'
	  AND p.tool_status IS NOT NULL
	  AND p.created_at IS NOT NULL`

// Delegations: one per terminal task tool part.
const delegationSelect = `
	SELECT p.id, p.session_id, p.message_id,
	       COALESCE(m.agent, m.role, ''),
	       COALESCE(json_extract_string(p.arguments, '$.subagent_type'), 'unknown'),
	       json_extract_string(p.arguments, '$.session_id'),
	       p.created_at
	FROM parts p
	JOIN messages m ON p.message_id = m.id
	WHERE p.tool_name = 'task'
	  AND p.tool_status IN ('completed', 'error')`

const traceInsert = `INSERT OR IGNORE INTO agent_traces
	(trace_id, session_id, parent_trace_id, parent_agent, subagent_type,
	 prompt_input, prompt_output, started_at, ended_at, duration_ms,
	 tokens_in, tokens_out, status, child_session_id)`

const delegationInsert = `INSERT OR REPLACE INTO delegations
	(id, session_id, message_id, parent_agent, child_agent, child_session_id, created_at)`

// RootTracesBatch creates root traces for every parentless session.
func (d *Deriver) RootTracesBatch(ctx context.Context) error {
	if _, err := d.client.Exec(ctx, traceInsert+rootTraceSelect); err != nil {
		return fmt.Errorf("failed to derive root traces: %w", err)
	}
	return nil
}

// DelegationsBatch projects delegation rows from terminal task parts.
func (d *Deriver) DelegationsBatch(ctx context.Context) error {
	if _, err := d.client.Exec(ctx, delegationInsert+delegationSelect); err != nil {
		return fmt.Errorf("failed to derive delegations: %w", err)
	}
	return nil
}

// DelegationTracesBatch creates del_* traces from task parts. Runs after
// DelegationsBatch so parent-trace lookups can resolve through delegations.
func (d *Deriver) DelegationTracesBatch(ctx context.Context) error {
	if _, err := d.client.Exec(ctx, traceInsert+delegationTraceSelect); err != nil {
		return fmt.Errorf("failed to derive delegation traces: %w", err)
	}
	return nil
}

// RootTraceTx is the single-session variant, run inside the ingest
// transaction of a session file whose parent is null.
func (d *Deriver) RootTraceTx(tx *sql.Tx, sessionID string) error {
	_, err := tx.Exec(traceInsert+rootTraceSelect+` AND s.id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to derive root trace for session %s: %w", sessionID, err)
	}
	return nil
}

// DelegationFromPartTx is the single-part variant: upserts the delegation
// row and the del_* trace for one task part, inside the part's ingest
// transaction. The trace row is replaced rather than ignored so a running →
// completed status transition is reflected.
func (d *Deriver) DelegationFromPartTx(tx *sql.Tx, partID string) error {
	if _, err := tx.Exec(delegationInsert+delegationSelect+` AND p.id = ?`, partID); err != nil {
		return fmt.Errorf("failed to derive delegation for part %s: %w", partID, err)
	}
	replace := `INSERT OR REPLACE INTO agent_traces
	(trace_id, session_id, parent_trace_id, parent_agent, subagent_type,
	 prompt_input, prompt_output, started_at, ended_at, duration_ms,
	 tokens_in, tokens_out, status, child_session_id)`
	if _, err := tx.Exec(replace+delegationTraceSelect+` AND p.id = ?`, partID); err != nil {
		return fmt.Errorf("failed to derive delegation trace for part %s: %w", partID, err)
	}
	return nil
}

// Rebuild drops and re-derives both derived projection tables from the raw
// tables. Derived rows are always reconstructible.
func (d *Deriver) Rebuild(ctx context.Context) error {
	if _, err := d.client.Exec(ctx, `DELETE FROM agent_traces`); err != nil {
		return fmt.Errorf("failed to clear agent_traces: %w", err)
	}
	if _, err := d.client.Exec(ctx, `DELETE FROM delegations`); err != nil {
		return fmt.Errorf("failed to clear delegations: %w", err)
	}
	if err := d.RootTracesBatch(ctx); err != nil {
		return err
	}
	if err := d.DelegationsBatch(ctx); err != nil {
		return err
	}
	return d.DelegationTracesBatch(ctx)
}

// MaxChainDepth walks delegation chains (session → child session → ...)
// and returns the longest one. The walk is capped so that cyclic references
// in the data can never hang the query.
func (d *Deriver) MaxChainDepth(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		WITH RECURSIVE chain AS (
			SELECT d.id, d.session_id, d.child_session_id, 1 AS depth
			FROM delegations d
			WHERE NOT EXISTS (
				SELECT 1 FROM delegations pd WHERE pd.child_session_id = d.session_id
			)
			UNION ALL
			SELECT nxt.id, nxt.session_id, nxt.child_session_id, chain.depth + 1
			FROM delegations nxt
			JOIN chain ON nxt.session_id = chain.child_session_id
			WHERE chain.depth < %d
		)
		SELECT COALESCE(MAX(depth), 0) FROM chain`, chainDepthCap)

	var depth int64
	if err := d.client.QueryRow(ctx, query).Scan(&depth); err != nil {
		return 0, fmt.Errorf("failed to compute chain depth: %w", err)
	}
	return depth, nil
}
