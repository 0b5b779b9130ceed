package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentlens/agentlens/pkg/models"
)

// ErrNotFound is returned for lookups of unknown sessions.
var ErrNotFound = errors.New("not found")

// sessionTreeDepthCap bounds the hierarchy walk.
const sessionTreeDepthCap = 10

const sessionColumnsSelect = `
	id, parent_id, COALESCE(project_id, ''), COALESCE(directory, ''),
	COALESCE(title, ''), COALESCE(additions, 0), COALESCE(deletions, 0),
	COALESCE(files_changed, 0), created_at, updated_at`

func scanSession(scan func(dest ...any) error) (models.Session, error) {
	var sess models.Session
	err := scan(&sess.ID, &sess.ParentID, &sess.ProjectID, &sess.Directory,
		&sess.Title, &sess.Additions, &sess.Deletions, &sess.FilesChanged,
		&sess.CreatedAt, &sess.UpdatedAt)
	return sess, err
}

// Session fetches one session row.
func (s *Service) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.client.QueryRow(ctx,
		`SELECT `+sessionColumnsSelect+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// SessionSummary aggregates one session: counts, token totals, cost,
// participating agents, and activity bounds.
func (s *Service) SessionSummary(ctx context.Context, sessionID string) (*models.SessionSummary, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	summary := &models.SessionSummary{Session: *sess}

	row := s.client.QueryRow(ctx, `
		SELECT count(*),
		       COALESCE(SUM(tokens_input), 0),
		       COALESCE(SUM(tokens_output), 0),
		       COALESCE(SUM(tokens_reasoning), 0),
		       COALESCE(SUM(tokens_cache_read), 0),
		       COALESCE(SUM(tokens_cache_write), 0),
		       COALESCE(SUM(cost), 0),
		       min(created_at),
		       max(COALESCE(completed_at, created_at))
		FROM messages WHERE session_id = ?`, sessionID)
	t := &summary.Tokens
	if err := row.Scan(&summary.MessageCount, &t.Input, &t.Output, &t.Reasoning,
		&t.CacheRead, &t.CacheWrite, &summary.TotalCost,
		&summary.FirstAt, &summary.LastAt); err != nil {
		return nil, fmt.Errorf("failed to aggregate messages for %s: %w", sessionID, err)
	}
	t.ComputeDerived()

	if err := s.client.QueryRow(ctx,
		`SELECT count(*) FROM parts WHERE session_id = ?`, sessionID).Scan(&summary.PartCount); err != nil {
		return nil, fmt.Errorf("failed to count parts for %s: %w", sessionID, err)
	}
	if err := s.client.QueryRow(ctx,
		`SELECT count(*) FROM delegations WHERE session_id = ?`, sessionID).Scan(&summary.Delegations); err != nil {
		return nil, fmt.Errorf("failed to count delegations for %s: %w", sessionID, err)
	}

	rows, err := s.client.Query(ctx, `
		SELECT DISTINCT COALESCE(agent, role) FROM messages
		WHERE session_id = ? AND role = 'assistant' ORDER BY 1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents for %s: %w", sessionID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, err
		}
		summary.Agents = append(summary.Agents, agent)
	}
	return summary, rows.Err()
}

// SessionTree returns the hierarchy rooted at sessionID, following
// parent_id edges downward via a recursive CTE bounded at depth 10.
func (s *Service) SessionTree(ctx context.Context, sessionID string) (*models.SessionNode, error) {
	rows, err := s.client.Query(ctx, fmt.Sprintf(`
		WITH RECURSIVE tree AS (
			SELECT s.*, 0 AS depth FROM sessions s WHERE s.id = ?
			UNION ALL
			SELECT child.*, tree.depth + 1
			FROM sessions child
			JOIN tree ON child.parent_id = tree.id
			WHERE tree.depth < %d
		)
		SELECT `+sessionColumnsSelect+` FROM tree ORDER BY depth, created_at`,
		sessionTreeDepthCap), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to walk session tree for %s: %w", sessionID, err)
	}
	defer rows.Close()

	nodes := make(map[string]*models.SessionNode)
	var root *models.SessionNode
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		node := &models.SessionNode{Session: sess}
		nodes[sess.ID] = node
		if sess.ID == sessionID {
			root = node
		} else if sess.ParentID != nil {
			if parent, ok := nodes[*sess.ParentID]; ok {
				parent.Children = append(parent.Children, node)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, ErrNotFound
	}
	return root, nil
}
