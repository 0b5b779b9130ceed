package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentlens/agentlens/pkg/models"
)

// traceTreeDepthCap bounds the child-session walk of the trace tree.
const traceTreeDepthCap = 10

const traceColumnsSelect = `
	trace_id, session_id, parent_trace_id, parent_agent,
	COALESCE(subagent_type, ''), prompt_input, prompt_output,
	started_at, ended_at, duration_ms,
	COALESCE(tokens_in, 0), COALESCE(tokens_out, 0),
	COALESCE(status, ''), child_session_id`

func scanTrace(scan func(dest ...any) error) (models.AgentTrace, error) {
	var t models.AgentTrace
	err := scan(&t.TraceID, &t.SessionID, &t.ParentTraceID, &t.ParentAgent,
		&t.SubagentType, &t.PromptInput, &t.PromptOutput,
		&t.StartedAt, &t.EndedAt, &t.DurationMS,
		&t.TokensIn, &t.TokensOut, &t.Status, &t.ChildSessionID)
	return t, err
}

// TraceTree returns the trace forest for a session: the session's own
// traces plus those of delegated child sessions, breadth-first over
// child_session_id, at most 10 levels deep. The walk keeps a visited set
// so self-referential child links (root traces point at their own session)
// and data cycles terminate.
func (s *Service) TraceTree(ctx context.Context, sessionID string) ([]*models.TraceNode, error) {
	visited := map[string]bool{sessionID: true}
	frontier := []string{sessionID}

	nodes := make(map[string]*models.TraceNode)
	var order []string

	for depth := 0; depth <= traceTreeDepthCap && len(frontier) > 0; depth++ {
		traces, err := s.tracesForSessions(ctx, frontier)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, tr := range traces {
			if _, ok := nodes[tr.TraceID]; ok {
				continue
			}
			nodes[tr.TraceID] = &models.TraceNode{Trace: tr, Depth: depth}
			order = append(order, tr.TraceID)

			if tr.ChildSessionID != nil && !visited[*tr.ChildSessionID] {
				visited[*tr.ChildSessionID] = true
				next = append(next, *tr.ChildSessionID)
			}
		}
		frontier = next
	}

	// Link children under their parent traces; whatever has no parent in
	// the collected set is a root of the returned forest.
	var roots []*models.TraceNode
	for _, id := range order {
		node := nodes[id]
		parentID := node.Trace.ParentTraceID
		if parentID != nil {
			if parent, ok := nodes[*parentID]; ok && parent != node {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return roots, nil
}

func (s *Service) tracesForSessions(ctx context.Context, sessionIDs []string) ([]models.AgentTrace, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sessionIDs)), ", ")
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}

	rows, err := s.client.Query(ctx,
		`SELECT `+traceColumnsSelect+` FROM agent_traces
		 WHERE session_id IN (`+placeholders+`)
		 ORDER BY started_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load traces: %w", err)
	}
	defer rows.Close()

	var out []models.AgentTrace
	for rows.Next() {
		tr, err := scanTrace(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
