package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodStatsEmptyStore(t *testing.T) {
	f := newTestService(t)

	stats := f.service.PeriodStats(context.Background(), 7)
	require.NotNil(t, stats)
	assert.Equal(t, 7, stats.Days)
	assert.Zero(t, stats.SessionCount)
	assert.Zero(t, stats.MessageCount)
	assert.Zero(t, stats.Tokens.Total)
	assert.Zero(t, stats.Tokens.CacheHitRatio)
	assert.Empty(t, stats.TopSessions)
	assert.Empty(t, stats.Anomalies)
	assert.Zero(t, stats.Delegations.MaxChainDepth)
}

func TestPeriodStatsAggregates(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	f.addSession(t, "ses_1", nil, "/app", now.Add(-time.Hour))
	f.addMessage(t, "msg_1", "ses_1", "build", "claude-sonnet", 2000, 1000, 0.5, now.Add(-time.Hour))
	f.addMessage(t, "msg_2", "ses_1", "review", "claude-sonnet", 500, 0, 0.1, now.Add(-30*time.Minute))
	f.addToolPart(t, "prt_1", "ses_1", "msg_1", "bash", "completed", 120, now.Add(-time.Hour))
	f.addDelegation(t, "del_1", "ses_1", "build", "worker", "ses_2", now.Add(-time.Hour))

	// Outside the window: ignored everywhere.
	f.addSession(t, "ses_old", nil, "/app", now.AddDate(0, 0, -30))
	f.addMessage(t, "msg_old", "ses_old", "build", "claude-sonnet", 9999, 0, 9.9, now.AddDate(0, 0, -30))

	stats := f.service.PeriodStats(context.Background(), 7)

	assert.Equal(t, int64(1), stats.SessionCount)
	assert.Equal(t, int64(2), stats.MessageCount)
	assert.Equal(t, int64(2500), stats.Tokens.Input)
	assert.Equal(t, int64(1000), stats.Tokens.CacheRead)
	assert.InDelta(t, 0.6, stats.TotalCost, 0.001)
	// 1000 reads vs 2500+1000 eligible.
	assert.InDelta(t, 100.0*1000/3500, stats.Tokens.CacheHitRatio, 0.01)

	require.Len(t, stats.TopSessions, 1)
	assert.Equal(t, "ses_1", stats.TopSessions[0].SessionID)

	require.Len(t, stats.Agents, 2)
	assert.Equal(t, "build", stats.Agents[0].Agent, "ordered by tokens")

	require.Len(t, stats.Tools, 1)
	assert.Equal(t, "bash", stats.Tools[0].Tool)
	assert.Zero(t, stats.Tools[0].FailureRate)

	assert.Equal(t, int64(1), stats.Delegations.Total)
	assert.Equal(t, int64(1), stats.Delegations.UniquePairs)
	assert.InDelta(t, 1.0, stats.Delegations.AvgPerSession, 0.001)

	require.NotEmpty(t, stats.Daily)
	var dailyMessages, dailySessions int64
	for _, d := range stats.Daily {
		dailyMessages += d.Messages
		dailySessions += d.Sessions
	}
	assert.Equal(t, int64(2), dailyMessages)
	assert.Equal(t, int64(1), dailySessions)

	require.Len(t, stats.Models, 1)
	assert.Equal(t, "claude-sonnet", stats.Models[0].ModelID)
	assert.Equal(t, int64(2), stats.Models[0].MessageCount)

	require.Len(t, stats.Directories, 1)
	assert.Equal(t, "/app", stats.Directories[0].Directory)
}

func TestPeriodStatsClampsDays(t *testing.T) {
	f := newTestService(t)
	stats := f.service.PeriodStats(context.Background(), 0)
	assert.Equal(t, 1, stats.Days)
}

func TestPeriodStatsSkillBreakdown(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	f.exec(t, `
		INSERT INTO parts (id, session_id, message_id, part_type, tool_name, tool_status, arguments, created_at)
		VALUES ('prt_s1', 'ses_1', 'msg_1', 'tool', 'skill', 'completed', '{"name": "review-pr"}', ?),
		       ('prt_s2', 'ses_1', 'msg_1', 'tool', 'skill', 'completed', '{"name": "review-pr"}', ?),
		       ('prt_s3', 'ses_1', 'msg_1', 'tool', 'skill', 'completed', '{}', ?)`,
		now, now, now)

	stats := f.service.PeriodStats(context.Background(), 7)
	require.Len(t, stats.Skills, 2)
	assert.Equal(t, "review-pr", stats.Skills[0].Skill)
	assert.Equal(t, int64(2), stats.Skills[0].Invocations)
	assert.Equal(t, "unknown", stats.Skills[1].Skill)
}

func TestPeriodStatsAnomalyTaskFanout(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	f.addSession(t, "ses_busy", nil, "/app", now.Add(-time.Hour))
	for i := 0; i < anomalyTaskCallsPerSession+1; i++ {
		f.addToolPart(t, fmt.Sprintf("prt_t%02d", i), "ses_busy", "msg_1",
			"task", "completed", 100, now.Add(-time.Hour))
	}

	stats := f.service.PeriodStats(context.Background(), 7)
	require.Len(t, stats.Anomalies, 1)
	assert.Equal(t,
		fmt.Sprintf("Session 'session ses_busy' has %d task calls", anomalyTaskCallsPerSession+1),
		stats.Anomalies[0])
}

func TestPeriodStatsAnomalyToolFailureRate(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	// 12 invocations, 3 errors: 25% failure rate over the minimum volume.
	for i := 0; i < 12; i++ {
		status := "completed"
		if i < 3 {
			status = "error"
		}
		f.addToolPart(t, fmt.Sprintf("prt_w%02d", i), "ses_1", "msg_1",
			"webfetch", status, 100, now.Add(-time.Hour))
	}
	// High rate but below the volume floor: not flagged.
	f.addToolPart(t, "prt_rare", "ses_1", "msg_1", "rare", "error", 100, now.Add(-time.Hour))

	stats := f.service.PeriodStats(context.Background(), 7)
	require.Len(t, stats.Anomalies, 1)
	assert.Equal(t, "Tool 'webfetch' has 25.0% failure rate (3/12)", stats.Anomalies[0])
}

func TestPeriodStatsAnomalyOrphanMessages(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	f.addMessage(t, "msg_orphan", "ses_ghost", "build", "m", 10, 0, 0, now)

	stats := f.service.PeriodStats(context.Background(), 7)
	require.Len(t, stats.Anomalies, 1)
	assert.Equal(t, "1 messages reference missing sessions", stats.Anomalies[0])
}

func TestPeriodStatsHourlyHistogram(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	f.addMessage(t, "msg_h1", "ses_1", "a", "m", 1, 0, 0, now)
	f.addMessage(t, "msg_h2", "ses_1", "a", "m", 1, 0, 0, now)

	stats := f.service.PeriodStats(context.Background(), 7)
	require.Len(t, stats.HourlyUsage, 1)
	assert.Equal(t, now.Hour(), stats.HourlyUsage[0].Hour)
	assert.Equal(t, int64(2), stats.HourlyUsage[0].Count)
	assert.Empty(t, stats.HourlyDelegations)
}
