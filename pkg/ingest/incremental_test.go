package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/agentlens/pkg/models"
)

func newTestLoader(t *testing.T, eng *testEngine) *IncrementalLoader {
	t.Helper()
	return NewIncrementalLoader(eng.client, eng.ledger, eng.state, eng.deriver, 1)
}

func eventFor(path, fileType string) FileEvent {
	mtime := float64(time.Now().UnixMilli()) / 1000.0
	return FileEvent{Path: path, Type: fileType, MTime: mtime}
}

func TestProcessFileSession(t *testing.T) {
	eng := newTestEngine(t)
	loader := newTestLoader(t, eng)
	storage := t.TempDir()
	ctx := context.Background()

	path := writeStorageFile(t, storage, "session", "proj_1", "ses_1",
		sessionDoc("ses_1", nil, epochMS(time.Now())))
	require.NoError(t, loader.ProcessFile(ctx, eventFor(path, models.FileTypeSession)))

	var title, directory string
	require.NoError(t, eng.client.QueryRow(ctx,
		`SELECT title, directory FROM sessions WHERE id = 'ses_1'`).Scan(&title, &directory))
	assert.Equal(t, "session ses_1", title)
	assert.Equal(t, "/home/dev/app", directory)

	// Parentless session gets its root trace in the same transaction.
	var traceCount int64
	require.NoError(t, eng.client.QueryRow(ctx,
		`SELECT count(*) FROM agent_traces WHERE trace_id = 'root_ses_1'`).Scan(&traceCount))
	assert.Equal(t, int64(1), traceCount)

	processed, err := eng.ledger.IsProcessed(ctx, path)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestProcessFileChildSessionHasNoRootTrace(t *testing.T) {
	eng := newTestEngine(t)
	loader := newTestLoader(t, eng)
	storage := t.TempDir()
	ctx := context.Background()

	parent := "ses_parent"
	path := writeStorageFile(t, storage, "session", "proj_1", "ses_2",
		sessionDoc("ses_2", &parent, epochMS(time.Now())))
	require.NoError(t, loader.ProcessFile(ctx, eventFor(path, models.FileTypeSession)))

	var n int64
	require.NoError(t, eng.client.QueryRow(ctx,
		`SELECT count(*) FROM agent_traces`).Scan(&n))
	assert.Zero(t, n)
}

func TestProcessFileIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	loader := newTestLoader(t, eng)
	storage := t.TempDir()
	ctx := context.Background()

	path := writeStorageFile(t, storage, "message", "ses_1", "msg_1",
		messageDoc("msg_1", "ses_1", epochMS(time.Now())))
	ev := eventFor(path, models.FileTypeMessage)

	require.NoError(t, loader.ProcessFile(ctx, ev))
	require.NoError(t, loader.ProcessFile(ctx, ev))
	require.NoError(t, loader.ProcessFile(ctx, ev))

	var n int64
	require.NoError(t, eng.client.QueryRow(ctx, `SELECT count(*) FROM messages`).Scan(&n))
	assert.Equal(t, int64(1), n)

	stats, err := eng.ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestProcessFileTaskPartDerivesDelegation(t *testing.T) {
	eng := newTestEngine(t)
	loader := newTestLoader(t, eng)
	storage := t.TempDir()
	ctx := context.Background()

	now := time.Now()
	msgPath := writeStorageFile(t, storage, "message", "ses_1", "msg_1",
		messageDoc("msg_1", "ses_1", epochMS(now)))
	require.NoError(t, loader.ProcessFile(ctx, eventFor(msgPath, models.FileTypeMessage)))

	partPath := writeStorageFile(t, storage, "part", "ses_1", "prt_1",
		taskPartDoc("prt_1", "ses_1", "msg_1", "completed", epochMS(now)))
	require.NoError(t, loader.ProcessFile(ctx, eventFor(partPath, models.FileTypePart)))

	var childAgent, childSession string
	require.NoError(t, eng.client.QueryRow(ctx,
		`SELECT child_agent, child_session_id FROM delegations WHERE id = 'prt_1'`).
		Scan(&childAgent, &childSession))
	assert.Equal(t, "researcher", childAgent)
	assert.Equal(t, "ses_child", childSession)

	var status string
	require.NoError(t, eng.client.QueryRow(ctx,
		`SELECT status FROM agent_traces WHERE trace_id = 'del_prt_1'`).Scan(&status))
	assert.Equal(t, "completed", status)

	var durationMS int64
	require.NoError(t, eng.client.QueryRow(ctx,
		`SELECT duration_ms FROM parts WHERE id = 'prt_1'`).Scan(&durationMS))
	assert.Equal(t, int64(200), durationMS)
}

func TestProcessFileRunningTaskNotDelegated(t *testing.T) {
	eng := newTestEngine(t)
	loader := newTestLoader(t, eng)
	storage := t.TempDir()
	ctx := context.Background()

	now := time.Now()
	msgPath := writeStorageFile(t, storage, "message", "ses_1", "msg_1",
		messageDoc("msg_1", "ses_1", epochMS(now)))
	require.NoError(t, loader.ProcessFile(ctx, eventFor(msgPath, models.FileTypeMessage)))

	partPath := writeStorageFile(t, storage, "part", "ses_1", "prt_1",
		taskPartDoc("prt_1", "ses_1", "msg_1", "running", epochMS(now)))
	require.NoError(t, loader.ProcessFile(ctx, eventFor(partPath, models.FileTypePart)))

	// Running calls land in parts but are not yet delegations.
	var parts, delegations int64
	require.NoError(t, eng.client.QueryRow(ctx, `SELECT count(*) FROM parts`).Scan(&parts))
	require.NoError(t, eng.client.QueryRow(ctx, `SELECT count(*) FROM delegations`).Scan(&delegations))
	assert.Equal(t, int64(1), parts)
	assert.Zero(t, delegations)

	// Re-delivery of the same part after completion upgrades it in place.
	completed := taskPartDoc("prt_1", "ses_1", "msg_1", "completed", epochMS(now))
	writeStorageFile(t, storage, "part", "ses_1", "prt_1", completed)
	require.NoError(t, loader.ProcessFile(ctx, eventFor(partPath, models.FileTypePart)))

	require.NoError(t, eng.client.QueryRow(ctx, `SELECT count(*) FROM delegations`).Scan(&delegations))
	assert.Equal(t, int64(1), delegations)

	var status string
	require.NoError(t, eng.client.QueryRow(ctx,
		`SELECT status FROM agent_traces WHERE trace_id = 'del_prt_1'`).Scan(&status))
	assert.Equal(t, "completed", status)
}

func TestProcessFileStepFinish(t *testing.T) {
	eng := newTestEngine(t)
	loader := newTestLoader(t, eng)
	storage := t.TempDir()
	ctx := context.Background()

	doc := map[string]any{
		"id":        "prt_step",
		"sessionID": "ses_1",
		"messageID": "msg_1",
		"type":      "step-finish",
		"tokens": map[string]any{
			"input":  300,
			"output": 40,
			"cache":  map[string]any{"read": 10, "write": 5},
		},
		"time": map[string]any{"start": epochMS(time.Now())},
	}
	path := writeStorageFile(t, storage, "part", "ses_1", "prt_step", doc)
	require.NoError(t, loader.ProcessFile(ctx, eventFor(path, models.FileTypePart)))

	var kind string
	var tokensInput int64
	require.NoError(t, eng.client.QueryRow(ctx,
		`SELECT kind, tokens_input FROM step_events WHERE id = 'prt_step'`).
		Scan(&kind, &tokensInput))
	assert.Equal(t, "step-finish", kind)
	assert.Equal(t, int64(300), tokensInput)
}

func TestProcessFilePatch(t *testing.T) {
	eng := newTestEngine(t)
	loader := newTestLoader(t, eng)
	storage := t.TempDir()
	ctx := context.Background()

	doc := map[string]any{
		"id":        "prt_patch",
		"sessionID": "ses_1",
		"messageID": "msg_1",
		"type":      "patch",
		"hash":      "abc123",
		"files":     []string{"main.go", "main_test.go"},
		"time":      map[string]any{"start": epochMS(time.Now())},
	}
	path := writeStorageFile(t, storage, "part", "ses_1", "prt_patch", doc)
	require.NoError(t, loader.ProcessFile(ctx, eventFor(path, models.FileTypePart)))

	var hash, files string
	require.NoError(t, eng.client.QueryRow(ctx,
		`SELECT git_hash, files FROM patches WHERE id = 'prt_patch'`).Scan(&hash, &files))
	assert.Equal(t, "abc123", hash)
	assert.Contains(t, files, "main_test.go")
}

func TestProcessFileMalformedMarksFailed(t *testing.T) {
	eng := newTestEngine(t)
	loader := newTestLoader(t, eng)
	storage := t.TempDir()
	ctx := context.Background()

	path := filepath.Join(storage, "message", "ses_1", "bad.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	err := loader.ProcessFile(ctx, eventFor(path, models.FileTypeMessage))
	require.Error(t, err)

	stats, statsErr := eng.ledger.Stats(ctx)
	require.NoError(t, statsErr)
	assert.Equal(t, int64(1), stats.ByStatus[models.FileStatusFailed])

	var n int64
	require.NoError(t, eng.client.QueryRow(ctx, `SELECT count(*) FROM messages`).Scan(&n))
	assert.Zero(t, n)
}

func TestProcessFileMissingFile(t *testing.T) {
	eng := newTestEngine(t)
	loader := newTestLoader(t, eng)

	err := loader.ProcessFile(context.Background(),
		eventFor(filepath.Join(t.TempDir(), "gone.json"), models.FileTypeSession))
	require.Error(t, err)
}

func TestEnqueueAndWorkers(t *testing.T) {
	eng := newTestEngine(t)
	loader := newTestLoader(t, eng)
	storage := t.TempDir()
	ctx := context.Background()

	path := writeStorageFile(t, storage, "session", "proj_1", "ses_1",
		sessionDoc("ses_1", nil, epochMS(time.Now())))

	loader.Start(ctx)
	defer loader.Stop()

	assert.True(t, loader.Enqueue(eventFor(path, models.FileTypeSession)))

	require.Eventually(t, func() bool {
		var n int64
		if err := eng.client.QueryRow(ctx, `SELECT count(*) FROM sessions`).Scan(&n); err != nil {
			return false
		}
		return n == 1
	}, 5*time.Second, 20*time.Millisecond)
}
