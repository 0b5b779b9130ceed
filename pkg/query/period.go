package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

const (
	topSessionsLimit = 10

	// Anomaly thresholds.
	anomalyTaskCallsPerSession = 10
	anomalyToolFailurePercent  = 20.0
	anomalyToolMinInvocations  = 10
)

// tokenSumExpr totals every counter of a message row.
const tokenSumExpr = `(tokens_input + tokens_output + tokens_reasoning + tokens_cache_read + tokens_cache_write)`

// PeriodStats computes the exhaustive aggregate for a trailing window of
// the given number of days. Individual sub-queries that fail are logged and
// leave their field empty; the aggregate itself always comes back.
func (s *Service) PeriodStats(ctx context.Context, days int) *models.PeriodStats {
	if days <= 0 {
		days = 1
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	stats := &models.PeriodStats{Days: days}

	s.degrade("tokens", func() error { return s.periodTokens(ctx, cutoff, stats) })
	s.degrade("counts", func() error { return s.periodCounts(ctx, cutoff, stats) })
	s.degrade("top_sessions", func() error {
		var err error
		stats.TopSessions, err = s.topSessions(ctx, cutoff, topSessionsLimit)
		return err
	})
	s.degrade("agents", func() error {
		var err error
		stats.Agents, err = s.agentBreakdown(ctx, cutoff)
		return err
	})
	s.degrade("tools", func() error {
		var err error
		stats.Tools, err = s.toolBreakdown(ctx, cutoff)
		return err
	})
	s.degrade("skills", func() error {
		var err error
		stats.Skills, err = s.skillBreakdown(ctx, cutoff)
		return err
	})
	s.degrade("delegations", func() error { return s.delegationStats(ctx, cutoff, stats) })
	s.degrade("daily", func() error {
		var err error
		stats.Daily, err = s.dailySeries(ctx, cutoff)
		return err
	})
	s.degrade("hourly_usage", func() error {
		var err error
		stats.HourlyUsage, err = s.hourlyHistogram(ctx, "messages", cutoff)
		return err
	})
	s.degrade("hourly_delegations", func() error {
		var err error
		stats.HourlyDelegations, err = s.hourlyHistogram(ctx, "delegations", cutoff)
		return err
	})
	s.degrade("models", func() error {
		var err error
		stats.Models, err = s.modelBreakdown(ctx, cutoff)
		return err
	})
	s.degrade("directories", func() error {
		var err error
		stats.Directories, err = s.directoryBreakdown(ctx, cutoff)
		return err
	})
	s.degrade("anomalies", func() error {
		var err error
		stats.Anomalies, err = s.anomalies(ctx, cutoff, stats.Tools)
		return err
	})

	return stats
}

// degrade runs one sub-query; on failure the field stays at its zero value.
func (s *Service) degrade(field string, fn func() error) {
	if err := fn(); err != nil {
		slog.Warn("Period stats sub-query degraded", "field", field, "error", err)
	}
}

func (s *Service) periodTokens(ctx context.Context, cutoff time.Time, stats *models.PeriodStats) error {
	row := s.client.QueryRow(ctx, `
		SELECT COALESCE(SUM(tokens_input), 0),
		       COALESCE(SUM(tokens_output), 0),
		       COALESCE(SUM(tokens_reasoning), 0),
		       COALESCE(SUM(tokens_cache_read), 0),
		       COALESCE(SUM(tokens_cache_write), 0),
		       COALESCE(SUM(cost), 0)
		FROM messages WHERE created_at >= ?`, cutoff)

	t := &stats.Tokens
	if err := row.Scan(&t.Input, &t.Output, &t.Reasoning, &t.CacheRead, &t.CacheWrite, &stats.TotalCost); err != nil {
		return fmt.Errorf("token totals: %w", err)
	}
	t.ComputeDerived()
	return nil
}

func (s *Service) periodCounts(ctx context.Context, cutoff time.Time, stats *models.PeriodStats) error {
	if err := s.client.QueryRow(ctx,
		`SELECT count(*) FROM sessions WHERE created_at >= ?`, cutoff).Scan(&stats.SessionCount); err != nil {
		return fmt.Errorf("session count: %w", err)
	}
	if err := s.client.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE created_at >= ?`, cutoff).Scan(&stats.MessageCount); err != nil {
		return fmt.Errorf("message count: %w", err)
	}
	return nil
}

func (s *Service) topSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.SessionTokens, error) {
	rows, err := s.client.Query(ctx, `
		SELECT m.session_id,
		       COALESCE(any_value(s.title), ''),
		       COALESCE(any_value(s.directory), ''),
		       SUM(`+tokenSumExpr+`) AS total_tokens,
		       COALESCE(SUM(m.cost), 0)
		FROM messages m
		LEFT JOIN sessions s ON m.session_id = s.id
		WHERE m.created_at >= ?
		GROUP BY m.session_id
		ORDER BY total_tokens DESC
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("top sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionTokens
	for rows.Next() {
		var st models.SessionTokens
		if err := rows.Scan(&st.SessionID, &st.Title, &st.Directory, &st.TotalTokens, &st.Cost); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Service) agentBreakdown(ctx context.Context, cutoff time.Time) ([]models.AgentStats, error) {
	rows, err := s.client.Query(ctx, `
		SELECT COALESCE(agent, role) AS agent_name,
		       count(*),
		       COALESCE(SUM(`+tokenSumExpr+`), 0),
		       COALESCE(SUM(cost), 0)
		FROM messages
		WHERE created_at >= ? AND role = 'assistant'
		GROUP BY agent_name
		ORDER BY 3 DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("agent breakdown: %w", err)
	}
	defer rows.Close()

	var out []models.AgentStats
	for rows.Next() {
		var a models.AgentStats
		if err := rows.Scan(&a.Agent, &a.MessageCount, &a.TotalTokens, &a.Cost); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Service) toolBreakdown(ctx context.Context, cutoff time.Time) ([]models.ToolStats, error) {
	rows, err := s.client.Query(ctx, `
		SELECT tool_name,
		       count(*),
		       SUM(CASE WHEN tool_status = 'error' THEN 1 ELSE 0 END),
		       COALESCE(AVG(duration_ms), 0)
		FROM parts
		WHERE part_type = 'tool' AND tool_name IS NOT NULL AND created_at >= ?
		GROUP BY tool_name
		ORDER BY 2 DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("tool breakdown: %w", err)
	}
	defer rows.Close()

	var out []models.ToolStats
	for rows.Next() {
		var t models.ToolStats
		if err := rows.Scan(&t.Tool, &t.Invocations, &t.Errors, &t.AvgDurationMS); err != nil {
			return nil, err
		}
		if t.Invocations > 0 {
			t.FailureRate = 100 * float64(t.Errors) / float64(t.Invocations)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Service) skillBreakdown(ctx context.Context, cutoff time.Time) ([]models.SkillStats, error) {
	rows, err := s.client.Query(ctx, `
		SELECT COALESCE(json_extract_string(arguments, '$.name'), 'unknown') AS skill,
		       count(*)
		FROM parts
		WHERE tool_name = 'skill' AND created_at >= ?
		GROUP BY skill
		ORDER BY 2 DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("skill breakdown: %w", err)
	}
	defer rows.Close()

	var out []models.SkillStats
	for rows.Next() {
		var sk models.SkillStats
		if err := rows.Scan(&sk.Skill, &sk.Invocations); err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

func (s *Service) delegationStats(ctx context.Context, cutoff time.Time, stats *models.PeriodStats) error {
	d := &stats.Delegations
	row := s.client.QueryRow(ctx, `
		SELECT count(*),
		       count(DISTINCT session_id),
		       count(DISTINCT parent_agent || '->' || child_agent),
		       SUM(CASE WHEN parent_agent = child_agent THEN 1 ELSE 0 END)
		FROM delegations WHERE created_at >= ?`, cutoff)

	var recursive sql.NullInt64
	if err := row.Scan(&d.Total, &d.SessionsWithDelegations, &d.UniquePairs, &recursive); err != nil {
		return fmt.Errorf("delegation totals: %w", err)
	}
	d.RecursiveCount = recursive.Int64
	if d.SessionsWithDelegations > 0 {
		d.AvgPerSession = float64(d.Total) / float64(d.SessionsWithDelegations)
	}

	depth, err := s.deriver.MaxChainDepth(ctx)
	if err != nil {
		return fmt.Errorf("chain depth: %w", err)
	}
	d.MaxChainDepth = depth
	return nil
}

func (s *Service) dailySeries(ctx context.Context, cutoff time.Time) ([]models.DayStats, error) {
	byDay := make(map[string]*models.DayStats)
	get := func(day string) *models.DayStats {
		if d, ok := byDay[day]; ok {
			return d
		}
		d := &models.DayStats{Day: day}
		byDay[day] = d
		return d
	}

	msgRows, err := s.client.Query(ctx, `
		SELECT strftime(created_at, '%Y-%m-%d') AS day,
		       count(*),
		       COALESCE(SUM(`+tokenSumExpr+`), 0),
		       COALESCE(SUM(cost), 0)
		FROM messages WHERE created_at >= ?
		GROUP BY day`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("daily messages: %w", err)
	}
	for msgRows.Next() {
		var day string
		var messages, tokens int64
		var cost float64
		if err := msgRows.Scan(&day, &messages, &tokens, &cost); err != nil {
			msgRows.Close()
			return nil, err
		}
		d := get(day)
		d.Messages = messages
		d.TotalTokens = tokens
		d.Cost = cost
	}
	msgRows.Close()

	sessRows, err := s.client.Query(ctx, `
		SELECT strftime(created_at, '%Y-%m-%d') AS day,
		       count(*),
		       COALESCE(SUM(files_changed), 0)
		FROM sessions WHERE created_at >= ?
		GROUP BY day`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("daily sessions: %w", err)
	}
	for sessRows.Next() {
		var day string
		var sessions, filesChanged int64
		if err := sessRows.Scan(&day, &sessions, &filesChanged); err != nil {
			sessRows.Close()
			return nil, err
		}
		d := get(day)
		d.Sessions = sessions
		d.FilesChanged = filesChanged
	}
	sessRows.Close()

	delRows, err := s.client.Query(ctx, `
		SELECT strftime(created_at, '%Y-%m-%d') AS day, count(*)
		FROM delegations WHERE created_at >= ?
		GROUP BY day`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("daily delegations: %w", err)
	}
	for delRows.Next() {
		var day string
		var n int64
		if err := delRows.Scan(&day, &n); err != nil {
			delRows.Close()
			return nil, err
		}
		get(day).Delegations = n
	}
	delRows.Close()

	out := make([]models.DayStats, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

// hourlyHistogram buckets row counts of table by hour of day. The table
// name is one of two fixed literals, never user input.
func (s *Service) hourlyHistogram(ctx context.Context, table string, cutoff time.Time) ([]models.HourBucket, error) {
	rows, err := s.client.Query(ctx, fmt.Sprintf(`
		SELECT CAST(EXTRACT(hour FROM created_at) AS INTEGER) AS hour, count(*)
		FROM %s WHERE created_at >= ?
		GROUP BY hour ORDER BY hour`, table), cutoff)
	if err != nil {
		return nil, fmt.Errorf("hourly %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.HourBucket
	for rows.Next() {
		var b models.HourBucket
		if err := rows.Scan(&b.Hour, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Service) modelBreakdown(ctx context.Context, cutoff time.Time) ([]models.ModelStats, error) {
	rows, err := s.client.Query(ctx, `
		SELECT model_id, provider_id, count(*),
		       COALESCE(SUM(`+tokenSumExpr+`), 0),
		       COALESCE(SUM(cost), 0)
		FROM messages
		WHERE created_at >= ? AND model_id <> ''
		GROUP BY model_id, provider_id
		ORDER BY 4 DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("model breakdown: %w", err)
	}
	defer rows.Close()

	var out []models.ModelStats
	for rows.Next() {
		var m models.ModelStats
		if err := rows.Scan(&m.ModelID, &m.ProviderID, &m.MessageCount, &m.TotalTokens, &m.Cost); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Service) directoryBreakdown(ctx context.Context, cutoff time.Time) ([]models.DirectoryStats, error) {
	rows, err := s.client.Query(ctx, `
		SELECT s.directory,
		       count(DISTINCT s.id),
		       COALESCE(SUM(m.tokens_input + m.tokens_output + m.tokens_reasoning
		                    + m.tokens_cache_read + m.tokens_cache_write), 0)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		WHERE s.created_at >= ? AND s.directory <> ''
		GROUP BY s.directory
		ORDER BY 3 DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("directory breakdown: %w", err)
	}
	defer rows.Close()

	var out []models.DirectoryStats
	for rows.Next() {
		var d models.DirectoryStats
		if err := rows.Scan(&d.Directory, &d.SessionCount, &d.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// anomalies flags sessions with excessive task fan-out, tools with high
// failure rates, and referential orphans left by partial ingestion.
func (s *Service) anomalies(ctx context.Context, cutoff time.Time, tools []models.ToolStats) ([]string, error) {
	var out []string

	rows, err := s.client.Query(ctx, `
		SELECT COALESCE(NULLIF(any_value(s.title), ''), p.session_id) AS label, count(*)
		FROM parts p
		LEFT JOIN sessions s ON p.session_id = s.id
		WHERE p.tool_name = 'task' AND p.created_at >= ?
		GROUP BY p.session_id
		HAVING count(*) > ?
		ORDER BY 2 DESC`, cutoff, anomalyTaskCallsPerSession)
	if err != nil {
		return nil, fmt.Errorf("task anomalies: %w", err)
	}
	for rows.Next() {
		var label string
		var n int64
		if err := rows.Scan(&label, &n); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, fmt.Sprintf("Session '%s' has %d task calls", label, n))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	for _, t := range tools {
		if t.Invocations >= anomalyToolMinInvocations && t.FailureRate > anomalyToolFailurePercent {
			out = append(out, fmt.Sprintf("Tool '%s' has %.1f%% failure rate (%d/%d)",
				t.Tool, t.FailureRate, t.Errors, t.Invocations))
		}
	}

	var orphanMessages int64
	err = s.client.QueryRow(ctx, `
		SELECT count(*) FROM messages m
		WHERE NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = m.session_id)`).Scan(&orphanMessages)
	if err == nil && orphanMessages > 0 {
		out = append(out, fmt.Sprintf("%d messages reference missing sessions", orphanMessages))
	}

	return out, nil
}
