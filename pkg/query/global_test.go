package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalStatsEmptyStore(t *testing.T) {
	f := newTestService(t)

	stats, err := f.service.GlobalStats(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.SessionCount)
	assert.Zero(t, stats.MessageCount)
	assert.Zero(t, stats.Tokens.Total)
	assert.Nil(t, stats.FirstSession)
	assert.Nil(t, stats.LastSession)
}

func TestGlobalStatsUnbounded(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	f.addSession(t, "ses_1", nil, "/app", now.AddDate(0, 0, -10))
	f.addSession(t, "ses_2", nil, "/app", now)
	f.addMessage(t, "msg_1", "ses_1", "build", "m", 1000, 500, 0.2, now.AddDate(0, 0, -10))
	f.addDelegation(t, "del_1", "ses_1", "a", "b", "ses_2", now)

	stats, err := f.service.GlobalStats(context.Background(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.SessionCount)
	assert.Equal(t, int64(1), stats.MessageCount)
	assert.Equal(t, int64(1), stats.Delegations)
	assert.Equal(t, int64(1000), stats.Tokens.Input)
	assert.Equal(t, int64(500), stats.Tokens.CacheRead)
	require.NotNil(t, stats.FirstSession)
	require.NotNil(t, stats.LastSession)
	assert.True(t, stats.FirstSession.Before(*stats.LastSession))
}

func TestGlobalStatsBounded(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	f.addSession(t, "ses_old", nil, "/app", now.AddDate(0, 0, -10))
	f.addSession(t, "ses_new", nil, "/app", now)

	start := now.AddDate(0, 0, -1)
	stats, err := f.service.GlobalStats(context.Background(), &start, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SessionCount)

	end := now.AddDate(0, 0, -5)
	stats, err = f.service.GlobalStats(context.Background(), nil, &end)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SessionCount)

	// Window excluding everything.
	farStart := now.AddDate(0, 0, -5)
	farEnd := now.AddDate(0, 0, -4)
	stats, err = f.service.GlobalStats(context.Background(), &farStart, &farEnd)
	require.NoError(t, err)
	assert.Zero(t, stats.SessionCount)
}
