package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/derive"
)

func newTestClient(t *testing.T) *database.Client {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type testEngine struct {
	client  *database.Client
	state   *SyncState
	ledger  *Ledger
	deriver *derive.Deriver
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	client := newTestClient(t)
	return &testEngine{
		client:  client,
		state:   NewSyncState(client),
		ledger:  NewLedger(client),
		deriver: derive.NewDeriver(client),
	}
}

// writeStorageFile writes a JSON document at
// <storage>/<fileType>/<dir>/<name>.json and returns its path.
func writeStorageFile(t *testing.T, storage, fileType, dir, name string, doc any) string {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	parent := filepath.Join(storage, fileType, dir)
	require.NoError(t, os.MkdirAll(parent, 0o755))
	path := filepath.Join(parent, name+".json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// sessionDoc is the minimal wire shape of a session file.
func sessionDoc(id string, parentID *string, created int64) map[string]any {
	doc := map[string]any{
		"id":        id,
		"projectID": "proj_1",
		"directory": "/home/dev/app",
		"title":     "session " + id,
		"summary":   map[string]any{"additions": 5, "deletions": 1, "files": 2},
		"time":      map[string]any{"created": created, "updated": created + 60_000},
	}
	if parentID != nil {
		doc["parentID"] = *parentID
	}
	return doc
}

func messageDoc(id, sessionID string, created int64) map[string]any {
	return map[string]any{
		"id":         id,
		"sessionID":  sessionID,
		"role":       "assistant",
		"agent":      "build",
		"modelID":    "claude-sonnet",
		"providerID": "anthropic",
		"cost":       0.25,
		"tokens": map[string]any{
			"input":  2000,
			"output": 100,
			"cache":  map[string]any{"read": 1000, "write": 50},
		},
		"time": map[string]any{"created": created, "completed": created + 5_000},
	}
}

// taskPartDoc is a terminal task tool call spanning 200ms.
func taskPartDoc(id, sessionID, messageID, status string, start int64) map[string]any {
	return map[string]any{
		"id":        id,
		"sessionID": sessionID,
		"messageID": messageID,
		"type":      "tool",
		"tool":      "task",
		"callID":    "call_" + id,
		"state": map[string]any{
			"status": status,
			"input": map[string]any{
				"subagent_type": "researcher",
				"prompt":        "investigate",
				"session_id":    "ses_child",
			},
			"time": map[string]any{"start": start, "end": start + 200},
		},
	}
}

func epochMS(t time.Time) int64 {
	return t.UnixMilli()
}
