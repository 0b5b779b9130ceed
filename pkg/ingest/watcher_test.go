package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/agentlens/pkg/models"
)

// The loader is deliberately not started in these tests: enqueued events sit
// in the queue where QueueSize can observe them.
func newIdleWatcher(t *testing.T, eng *testEngine, storage string, t0 int64) (*Watcher, *IncrementalLoader) {
	t.Helper()
	loader := NewIncrementalLoader(eng.client, eng.ledger, eng.state, eng.deriver, 1)
	w := NewWatcher(storage, eng.ledger, loader, 30*time.Millisecond)
	require.NoError(t, w.Start(context.Background(), t0))
	t.Cleanup(w.Stop)
	return w, loader
}

func TestWatcherEnqueuesNewFile(t *testing.T) {
	eng := newTestEngine(t)
	storage := t.TempDir()
	_, loader := newIdleWatcher(t, eng, storage, 0)

	writeStorageFile(t, storage, "message", "ses_1", "msg_1",
		messageDoc("msg_1", "ses_1", epochMS(time.Now())))

	require.Eventually(t, func() bool {
		return loader.QueueSize() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	eng := newTestEngine(t)
	storage := t.TempDir()
	_, loader := newIdleWatcher(t, eng, storage, 0)

	// Several rewrites of the same path inside the debounce window collapse
	// into one event.
	for i := 0; i < 5; i++ {
		writeStorageFile(t, storage, "message", "ses_1", "msg_1",
			messageDoc("msg_1", "ses_1", epochMS(time.Now())))
	}

	require.Eventually(t, func() bool {
		return loader.QueueSize() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, loader.QueueSize())
}

func TestWatcherIgnoresPreCutoffFiles(t *testing.T) {
	eng := newTestEngine(t)
	storage := t.TempDir()
	// Cutoff far in the future: everything written now is bulk territory.
	_, loader := newIdleWatcher(t, eng, storage, time.Now().Add(time.Hour).Unix())

	writeStorageFile(t, storage, "message", "ses_1", "msg_1",
		messageDoc("msg_1", "ses_1", epochMS(time.Now())))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, loader.QueueSize())
}

func TestWatcherIgnoresNonJSONAndForeignPaths(t *testing.T) {
	eng := newTestEngine(t)
	storage := t.TempDir()
	_, loader := newIdleWatcher(t, eng, storage, 0)

	writeStorageFile(t, storage, "snapshot", "ses_1", "state",
		map[string]any{"id": "x"})

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, loader.QueueSize())
}

func TestWatcherSkipsLedgerCoveredFiles(t *testing.T) {
	eng := newTestEngine(t)
	storage := t.TempDir()
	ctx := context.Background()

	path := writeStorageFile(t, storage, "message", "ses_1", "msg_1",
		messageDoc("msg_1", "ses_1", epochMS(time.Now())))

	// Record the file as processed at a future mtime so the ledger covers
	// whatever mtime the rewrite below lands on.
	future := float64(time.Now().Add(time.Hour).UnixMilli()) / 1000.0
	require.NoError(t, eng.ledger.Mark(ctx, path,
		models.FileTypeMessage, models.FileStatusProcessed, nil, future))

	_, loader := newIdleWatcher(t, eng, storage, 0)
	writeStorageFile(t, storage, "message", "ses_1", "msg_1",
		messageDoc("msg_1", "ses_1", epochMS(time.Now())))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, loader.QueueSize())
}

func TestWatcherStopIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	storage := t.TempDir()
	w, _ := newIdleWatcher(t, eng, storage, 0)

	w.Stop()
	w.Stop()
}
