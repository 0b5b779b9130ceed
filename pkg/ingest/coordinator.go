package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/derive"
	"github.com/agentlens/agentlens/pkg/models"
)

// Options configures the ingestion engine.
type Options struct {
	StoragePath               string
	ReconcilerInterval        time.Duration
	ReconcilerMaxFilesPerScan int
	WatcherDebounce           time.Duration
	IngestWorkers             int
}

// Coordinator owns the ingestion actors and advances the sync state through
// its phases: a frozen-cutoff bulk load, a queue drain, then live mode with
// the watcher and reconciler running. Crash-safe: on restart the persisted
// phase decides where to resume.
type Coordinator struct {
	client  *database.Client
	state   *SyncState
	ledger  *Ledger
	deriver *derive.Deriver

	bulk       *BulkLoader
	loader     *IncrementalLoader
	watcher    *Watcher
	reconciler *Reconciler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCoordinator wires the full ingestion engine over a shared store client.
func NewCoordinator(client *database.Client, opts Options) *Coordinator {
	state := NewSyncState(client)
	ledger := NewLedger(client)
	deriver := derive.NewDeriver(client)
	loader := NewIncrementalLoader(client, ledger, state, deriver, opts.IngestWorkers)

	c := &Coordinator{
		client:  client,
		state:   state,
		ledger:  ledger,
		deriver: deriver,
		bulk:    NewBulkLoader(client, ledger, state, deriver, opts.StoragePath),
		loader:  loader,
		watcher: NewWatcher(opts.StoragePath, ledger, loader, opts.WatcherDebounce),
	}
	c.reconciler = NewReconciler(client, ledger, deriver, opts.StoragePath,
		opts.ReconcilerInterval, opts.ReconcilerMaxFilesPerScan, c.submit)
	return c
}

// submit is the reconciler's hand-off into the incremental loader.
func (c *Coordinator) submit(ev FileEvent) {
	c.loader.Enqueue(ev)
}

// Start loads the persisted state, arms the live path, and kicks off the
// bulk-or-resume sequence in the background. Idempotent.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	if err := c.state.Load(ctx); err != nil {
		return err
	}

	// Freeze the cutoff before anything else runs: a fresh start cuts at
	// now, a resume keeps the original T0 so no pre-cutoff file is missed
	// and no post-cutoff file is double-ingested.
	t0 := c.state.T0()
	if c.state.Phase() == models.PhaseInit || t0 == 0 {
		t0 = nowEpochSeconds()
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	c.loader.Start(ctx)
	if err := c.watcher.Start(ctx, t0); err != nil {
		c.loader.Stop()
		return err
	}

	c.started = true
	go c.run(ctx, t0)
	return nil
}

func (c *Coordinator) run(ctx context.Context, t0 int64) {
	defer close(c.done)

	phase := c.state.Phase()
	if phase.Rank() < models.PhaseProcessingQueue.Rank() {
		if _, err := c.bulk.Run(ctx, t0); err != nil {
			slog.Error("Bulk load failed, coordinator exiting", "error", err)
			return
		}
	} else {
		slog.Info("Skipping bulk load", "phase", phase)
	}

	if c.state.Phase() == models.PhaseProcessingQueue {
		c.drainQueue(ctx)
		if ctx.Err() != nil {
			return
		}
		if err := c.state.SetPhase(ctx, models.PhaseRealtime); err != nil {
			slog.Error("Failed to enter realtime phase", "error", err)
			return
		}
	}

	slog.Info("Ingestion live", "phase", c.state.Phase())
	c.reconciler.Start(ctx)

	// One immediate scan covers anything written between the cutoff freeze
	// and the watcher arming.
	if _, err := c.reconciler.Scan(ctx); err != nil {
		slog.Warn("Initial reconciler scan failed", "error", err)
	}
}

// drainQueue waits for the live backlog accumulated during bulk to empty.
func (c *Coordinator) drainQueue(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.loader.QueueSize() == 0 {
				return
			}
		}
	}
}

// Stop shuts the engine down: reconciler and watcher first (no new work),
// then the loader (finish in-flight files), then a final checkpoint.
// Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	c.reconciler.Stop()
	c.watcher.Stop()
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("Coordinator loop did not exit in time")
	}
	c.loader.Stop()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()
	if err := c.state.Checkpoint(ctx); err != nil {
		slog.Error("Final sync-state checkpoint failed", "error", err)
	}
	slog.Info("Coordinator stopped")
}

// Status returns the live sync status with the current queue depth.
func (c *Coordinator) Status() models.SyncStatus {
	st := c.state.Status()
	st.QueueSize = c.loader.QueueSize()
	return st
}

// State exposes the sync state for consumers needing phase or checkpoint
// access.
func (c *Coordinator) State() *SyncState { return c.state }

// Ledger exposes the processing ledger (stats, refresh info).
func (c *Coordinator) Ledger() *Ledger { return c.ledger }

// Reset clears all ingested data and bookkeeping, returning the pipeline to
// INIT. Only valid while stopped; never called implicitly.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errCoordinatorRunning
	}
	if err := c.client.ClearData(ctx); err != nil {
		return err
	}
	return c.state.Reset(ctx)
}
