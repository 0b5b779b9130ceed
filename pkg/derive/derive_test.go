package derive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/agentlens/pkg/database"
)

func newTestStore(t *testing.T) (*database.Client, *Deriver) {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, NewDeriver(client)
}

func insertSession(t *testing.T, client *database.Client, id string, parentID *string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := client.Exec(context.Background(), `
		INSERT INTO sessions (id, parent_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, parentID, "session "+id, now.Add(-time.Minute), now)
	require.NoError(t, err)
}

func insertMessage(t *testing.T, client *database.Client, id, sessionID, agent string) {
	t.Helper()
	_, err := client.Exec(context.Background(), `
		INSERT INTO messages (id, session_id, role, agent, created_at)
		VALUES (?, ?, 'assistant', ?, ?)`,
		id, sessionID, agent, time.Now().UTC())
	require.NoError(t, err)
}

func insertTaskPart(t *testing.T, client *database.Client, id, sessionID, messageID, status, childSessionID string) {
	t.Helper()
	args := `{"subagent_type": "worker", "prompt": "do it", "session_id": "` + childSessionID + `"}`
	start := time.Now().UTC().Add(-time.Second)
	_, err := client.Exec(context.Background(), `
		INSERT INTO parts (id, session_id, message_id, part_type, tool_name, tool_status,
		                   arguments, created_at, ended_at, duration_ms)
		VALUES (?, ?, ?, 'tool', 'task', ?, ?, ?, ?, 1000)`,
		id, sessionID, messageID, status, args, start, start.Add(time.Second))
	require.NoError(t, err)
}

func TestRootTracesBatch(t *testing.T) {
	client, deriver := newTestStore(t)
	ctx := context.Background()

	parent := "ses_root"
	insertSession(t, client, "ses_root", nil)
	insertSession(t, client, "ses_child", &parent)

	require.NoError(t, deriver.RootTracesBatch(ctx))

	// Only the parentless session gets a root trace.
	var n int64
	require.NoError(t, client.QueryRow(ctx, `SELECT count(*) FROM agent_traces`).Scan(&n))
	assert.Equal(t, int64(1), n)

	var sessionID, subagent, status, childSessionID string
	var durationMS int64
	require.NoError(t, client.QueryRow(ctx, `
		SELECT session_id, subagent_type, status, child_session_id, duration_ms
		FROM agent_traces WHERE trace_id = 'root_ses_root'`).
		Scan(&sessionID, &subagent, &status, &childSessionID, &durationMS))
	assert.Equal(t, "ses_root", sessionID)
	assert.Equal(t, "user", subagent)
	assert.Equal(t, "completed", status)
	assert.Equal(t, "ses_root", childSessionID, "root traces self-reference their session")
	assert.InDelta(t, 60_000, durationMS, 1000)

	// Re-running never duplicates.
	require.NoError(t, deriver.RootTracesBatch(ctx))
	require.NoError(t, client.QueryRow(ctx, `SELECT count(*) FROM agent_traces`).Scan(&n))
	assert.Equal(t, int64(1), n)
}

func TestDelegationsBatchTerminalOnly(t *testing.T) {
	client, deriver := newTestStore(t)
	ctx := context.Background()

	insertSession(t, client, "ses_1", nil)
	insertMessage(t, client, "msg_1", "ses_1", "build")
	insertTaskPart(t, client, "prt_done", "ses_1", "msg_1", "completed", "ses_a")
	insertTaskPart(t, client, "prt_err", "ses_1", "msg_1", "error", "ses_b")
	insertTaskPart(t, client, "prt_run", "ses_1", "msg_1", "running", "ses_c")

	require.NoError(t, deriver.DelegationsBatch(ctx))

	var n int64
	require.NoError(t, client.QueryRow(ctx, `SELECT count(*) FROM delegations`).Scan(&n))
	assert.Equal(t, int64(2), n, "running calls are not delegations")

	var parentAgent, childAgent string
	require.NoError(t, client.QueryRow(ctx, `
		SELECT parent_agent, child_agent FROM delegations WHERE id = 'prt_done'`).
		Scan(&parentAgent, &childAgent))
	assert.Equal(t, "build", parentAgent)
	assert.Equal(t, "worker", childAgent)
}

func TestDelegationTraceParentResolution(t *testing.T) {
	client, deriver := newTestStore(t)
	ctx := context.Background()

	// ses_root delegates to ses_mid, ses_mid delegates further.
	insertSession(t, client, "ses_root", nil)
	insertMessage(t, client, "msg_root", "ses_root", "build")
	insertTaskPart(t, client, "prt_1", "ses_root", "msg_root", "completed", "ses_mid")

	insertMessage(t, client, "msg_mid", "ses_mid", "worker")
	insertTaskPart(t, client, "prt_2", "ses_mid", "msg_mid", "completed", "ses_leaf")

	require.NoError(t, deriver.RootTracesBatch(ctx))
	require.NoError(t, deriver.DelegationsBatch(ctx))
	require.NoError(t, deriver.DelegationTracesBatch(ctx))

	// The first hop hangs off the root trace.
	var parent string
	require.NoError(t, client.QueryRow(ctx, `
		SELECT parent_trace_id FROM agent_traces WHERE trace_id = 'del_prt_1'`).Scan(&parent))
	assert.Equal(t, "root_ses_root", parent)

	// The second hop's parent is the delegation that spawned its session.
	require.NoError(t, client.QueryRow(ctx, `
		SELECT parent_trace_id FROM agent_traces WHERE trace_id = 'del_prt_2'`).Scan(&parent))
	assert.Equal(t, "del_prt_1", parent)
}

func TestDelegationTraceRequiresStatusAndStart(t *testing.T) {
	client, deriver := newTestStore(t)
	ctx := context.Background()

	insertSession(t, client, "ses_1", nil)
	insertMessage(t, client, "msg_1", "ses_1", "build")

	// Task part without created_at: no trace.
	_, err := client.Exec(ctx, `
		INSERT INTO parts (id, session_id, message_id, part_type, tool_name, tool_status, arguments)
		VALUES ('prt_nostart', 'ses_1', 'msg_1', 'tool', 'task', 'completed', '{}')`)
	require.NoError(t, err)

	// Task part without status: no trace either.
	_, err = client.Exec(ctx, `
		INSERT INTO parts (id, session_id, message_id, part_type, tool_name, arguments, created_at)
		VALUES ('prt_nostatus', 'ses_1', 'msg_1', 'tool', 'task', '{}', ?)`, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, deriver.DelegationTracesBatch(ctx))

	var n int64
	require.NoError(t, client.QueryRow(ctx,
		`SELECT count(*) FROM agent_traces WHERE trace_id LIKE 'del_%'`).Scan(&n))
	assert.Zero(t, n)
}

func TestMaxChainDepth(t *testing.T) {
	client, deriver := newTestStore(t)
	ctx := context.Background()

	depth, err := deriver.MaxChainDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// a -> b -> c -> d: chain of three delegations.
	insertSession(t, client, "ses_a", nil)
	insertMessage(t, client, "msg_a", "ses_a", "a")
	insertTaskPart(t, client, "prt_ab", "ses_a", "msg_a", "completed", "ses_b")
	insertMessage(t, client, "msg_b", "ses_b", "b")
	insertTaskPart(t, client, "prt_bc", "ses_b", "msg_b", "completed", "ses_c")
	insertMessage(t, client, "msg_c", "ses_c", "c")
	insertTaskPart(t, client, "prt_cd", "ses_c", "msg_c", "completed", "ses_d")

	require.NoError(t, deriver.DelegationsBatch(ctx))

	depth, err = deriver.MaxChainDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
}

func TestMaxChainDepthCyclicDataTerminates(t *testing.T) {
	client, deriver := newTestStore(t)
	ctx := context.Background()

	// Mutually delegating sessions form a cycle; the capped walk must
	// return rather than hang.
	insertSession(t, client, "ses_x", nil)
	insertMessage(t, client, "msg_x", "ses_x", "x")
	insertTaskPart(t, client, "prt_xy", "ses_x", "msg_x", "completed", "ses_y")
	insertMessage(t, client, "msg_y", "ses_y", "y")
	insertTaskPart(t, client, "prt_yx", "ses_y", "msg_y", "completed", "ses_x")

	require.NoError(t, deriver.DelegationsBatch(ctx))

	depth, err := deriver.MaxChainDepth(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, depth, int64(chainDepthCap))
}

func TestRebuild(t *testing.T) {
	client, deriver := newTestStore(t)
	ctx := context.Background()

	insertSession(t, client, "ses_1", nil)
	insertMessage(t, client, "msg_1", "ses_1", "build")
	insertTaskPart(t, client, "prt_1", "ses_1", "msg_1", "completed", "ses_2")

	require.NoError(t, deriver.Rebuild(ctx))

	var traces, delegations int64
	require.NoError(t, client.QueryRow(ctx, `SELECT count(*) FROM agent_traces`).Scan(&traces))
	require.NoError(t, client.QueryRow(ctx, `SELECT count(*) FROM delegations`).Scan(&delegations))
	assert.Equal(t, int64(2), traces, "one root, one delegation trace")
	assert.Equal(t, int64(1), delegations)

	// Rebuild from scratch converges to the same rows.
	require.NoError(t, deriver.Rebuild(ctx))
	require.NoError(t, client.QueryRow(ctx, `SELECT count(*) FROM agent_traces`).Scan(&traces))
	assert.Equal(t, int64(2), traces)
}
