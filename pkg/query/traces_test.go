package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/agentlens/pkg/models"
)

func (f *testFixture) addTrace(t *testing.T, traceID, sessionID string, parentTraceID, childSessionID *string, at time.Time) {
	t.Helper()
	f.exec(t, `
		INSERT INTO agent_traces (trace_id, session_id, parent_trace_id, subagent_type,
		                          started_at, status, child_session_id)
		VALUES (?, ?, ?, 'worker', ?, 'completed', ?)`,
		traceID, sessionID, parentTraceID, at, childSessionID)
}

func strptr(s string) *string { return &s }

func TestTraceTreeEmpty(t *testing.T) {
	f := newTestService(t)
	roots, err := f.service.TraceTree(context.Background(), "ses_missing")
	require.NoError(t, err)
	assert.Empty(t, roots)
}

func TestTraceTreeSingleSession(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	// A root trace self-references its session; the walk must not loop.
	f.addTrace(t, "root_ses_1", "ses_1", nil, strptr("ses_1"), now)
	f.addTrace(t, "del_prt_1", "ses_1", strptr("root_ses_1"), strptr("ses_child"), now.Add(time.Second))

	roots, err := f.service.TraceTree(context.Background(), "ses_1")
	require.NoError(t, err)
	require.Len(t, roots, 1)

	assert.Equal(t, "root_ses_1", roots[0].Trace.TraceID)
	assert.Zero(t, roots[0].Depth)
	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, "del_prt_1", roots[0].Children[0].Trace.TraceID)
}

func TestTraceTreeFollowsChildSessions(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	f.addTrace(t, "root_ses_1", "ses_1", nil, strptr("ses_1"), now)
	f.addTrace(t, "del_prt_1", "ses_1", strptr("root_ses_1"), strptr("ses_2"), now.Add(time.Second))
	// The child session's own delegation, one level deeper.
	f.addTrace(t, "del_prt_2", "ses_2", strptr("del_prt_1"), strptr("ses_3"), now.Add(2*time.Second))

	roots, err := f.service.TraceTree(context.Background(), "ses_1")
	require.NoError(t, err)
	require.Len(t, roots, 1)

	del1 := roots[0].Children[0]
	require.Len(t, del1.Children, 1)
	assert.Equal(t, "del_prt_2", del1.Children[0].Trace.TraceID)
	assert.Equal(t, 1, del1.Children[0].Depth)
}

func TestTraceTreeCyclicChildLinksTerminate(t *testing.T) {
	f := newTestService(t)
	now := time.Now().UTC()

	// ses_1 and ses_2 point at each other.
	f.addTrace(t, "del_a", "ses_1", nil, strptr("ses_2"), now)
	f.addTrace(t, "del_b", "ses_2", nil, strptr("ses_1"), now.Add(time.Second))

	roots, err := f.service.TraceTree(context.Background(), "ses_1")
	require.NoError(t, err)

	total := 0
	for _, r := range roots {
		total += countTraceNodes(r)
	}
	assert.Equal(t, 2, total, "each trace appears exactly once")
}

func countTraceNodes(node *models.TraceNode) int {
	n := 1
	for _, child := range node.Children {
		n += countTraceNodes(child)
	}
	return n
}
