package query

import (
	"context"
	"fmt"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

// GlobalStats aggregates the whole store, optionally bounded to
// [start, end). Nil bounds mean unbounded.
func (s *Service) GlobalStats(ctx context.Context, start, end *time.Time) (*models.GlobalStats, error) {
	stats := &models.GlobalStats{Start: start, End: end}

	where, args := timeBounds("created_at", start, end)

	row := s.client.QueryRow(ctx, `
		SELECT count(*), min(created_at), max(created_at)
		FROM sessions `+where, args...)
	if err := row.Scan(&stats.SessionCount, &stats.FirstSession, &stats.LastSession); err != nil {
		return nil, fmt.Errorf("failed to aggregate sessions: %w", err)
	}

	row = s.client.QueryRow(ctx, `
		SELECT count(*),
		       COALESCE(SUM(tokens_input), 0),
		       COALESCE(SUM(tokens_output), 0),
		       COALESCE(SUM(tokens_reasoning), 0),
		       COALESCE(SUM(tokens_cache_read), 0),
		       COALESCE(SUM(tokens_cache_write), 0),
		       COALESCE(SUM(cost), 0)
		FROM messages `+where, args...)
	t := &stats.Tokens
	if err := row.Scan(&stats.MessageCount, &t.Input, &t.Output, &t.Reasoning,
		&t.CacheRead, &t.CacheWrite, &stats.TotalCost); err != nil {
		return nil, fmt.Errorf("failed to aggregate messages: %w", err)
	}
	t.ComputeDerived()

	if err := s.client.QueryRow(ctx,
		`SELECT count(*) FROM parts `+where, args...).Scan(&stats.PartCount); err != nil {
		return nil, fmt.Errorf("failed to count parts: %w", err)
	}
	if err := s.client.QueryRow(ctx,
		`SELECT count(*) FROM delegations `+where, args...).Scan(&stats.Delegations); err != nil {
		return nil, fmt.Errorf("failed to count delegations: %w", err)
	}
	return stats, nil
}

func timeBounds(column string, start, end *time.Time) (string, []any) {
	var clauses []string
	var args []any
	if start != nil {
		clauses = append(clauses, column+" >= ?")
		args = append(args, *start)
	}
	if end != nil {
		clauses = append(clauses, column+" < ?")
		args = append(args, *end)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := "WHERE " + clauses[0]
	if len(clauses) == 2 {
		where += " AND " + clauses[1]
	}
	return where, args
}
