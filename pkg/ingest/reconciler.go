package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/derive"
	"github.com/agentlens/agentlens/pkg/models"
)

// Reconciler periodically scans the storage tree for files the watcher
// missed: new paths absent from the ledger, and processed paths whose disk
// mtime moved past the recorded one. Found files are handed to the
// callback on a separate goroutine so the scan loop is never blocked.
//
// The reconciler is the pipeline's only retry mechanism: failed files stay
// failed in the ledger until their mtime changes, new files are caught at
// the next interval.
type Reconciler struct {
	client      *database.Client
	ledger      *Ledger
	deriver     *derive.Deriver
	storagePath string
	interval    time.Duration
	maxFiles    int
	callback    func(FileEvent)

	scanMu sync.Mutex

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastScan  time.Time
	recovered int64
}

// NewReconciler creates a reconciler. The callback receives every file that
// needs (re)processing.
func NewReconciler(client *database.Client, ledger *Ledger, deriver *derive.Deriver, storagePath string, interval time.Duration, maxFiles int, callback func(FileEvent)) *Reconciler {
	return &Reconciler{
		client:      client,
		ledger:      ledger,
		deriver:     deriver,
		storagePath: storagePath,
		interval:    interval,
		maxFiles:    maxFiles,
		callback:    callback,
	}
}

// Start launches the periodic scan loop. Idempotent.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)
	slog.Info("Reconciler started", "interval", r.interval, "max_files_per_scan", r.maxFiles)
}

// Stop signals the loop to exit and joins it with a bounded timeout.
// Idempotent.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("Reconciler scan loop did not exit in time")
	}
	slog.Info("Reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Scan(ctx); err != nil {
				slog.Error("Reconciler scan failed", "error", err)
			} else if n > 0 {
				slog.Info("Reconciler recovered files", "count", n)
			}
		}
	}
}

// Scan performs one reconciliation pass and returns the number of files
// submitted. Scans are serialized: a second caller blocks until the first
// finishes.
func (r *Reconciler) Scan(ctx context.Context) (int, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	budget := r.maxFiles
	events := make([]FileEvent, 0, 64)

	newFiles, err := r.findNewFiles(ctx, budget)
	if err != nil {
		return 0, err
	}
	events = append(events, newFiles...)
	budget -= len(newFiles)

	if budget > 0 {
		modified, err := r.findModifiedFiles(ctx, budget)
		if err != nil {
			return len(events), err
		}
		events = append(events, modified...)
	}

	r.mu.Lock()
	r.lastScan = time.Now()
	r.recovered += int64(len(events))
	r.mu.Unlock()

	if len(events) > 0 {
		// Hand off on a separate worker so the scan loop never blocks on
		// ingestion.
		go func(evs []FileEvent) {
			for _, ev := range evs {
				r.callback(ev)
			}
		}(events)
	}

	// Re-run the batch projections: cheap idempotent upserts that repair
	// derivation gaps left by out-of-order file arrival (a part ingested
	// before its message joins to nothing until the message lands).
	r.rederive(ctx)

	return len(events), nil
}

// findNewFiles anti-joins the store's filesystem glob against the ledger.
func (r *Reconciler) findNewFiles(ctx context.Context, limit int) ([]FileEvent, error) {
	var events []FileEvent
	for _, fileType := range []string{models.FileTypeSession, models.FileTypeMessage, models.FileTypePart} {
		if limit <= 0 {
			break
		}
		pattern := sanitizeSQLPath(filepath.Join(r.storagePath, fileType)) + "/**/*.json"
		query := fmt.Sprintf(`
			SELECT g.file FROM glob('%s') g
			WHERE NOT EXISTS (
				SELECT 1 FROM file_processing fp WHERE fp.file_path = g.file
			)
			LIMIT %d`, pattern, limit)

		rows, err := r.client.Query(ctx, query)
		if err != nil {
			return events, fmt.Errorf("failed to glob new %s files: %w", fileType, err)
		}
		for rows.Next() {
			var path string
			if err := rows.Scan(&path); err != nil {
				rows.Close()
				return events, fmt.Errorf("failed to scan glob row: %w", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			events = append(events, FileEvent{
				Path:  path,
				Type:  fileType,
				MTime: float64(info.ModTime().UnixMilli()) / 1000.0,
			})
			limit--
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return events, fmt.Errorf("failed to iterate glob rows: %w", err)
		}
	}
	return events, nil
}

// findModifiedFiles joins processed ledger rows against disk mtimes. The
// stat loop is bounded by the remaining scan budget.
func (r *Reconciler) findModifiedFiles(ctx context.Context, limit int) ([]FileEvent, error) {
	rows, err := r.client.Query(ctx, `
		SELECT file_path, file_type, last_modified
		FROM file_processing
		WHERE status = ?
		ORDER BY processed_at DESC`, models.FileStatusProcessed)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed files: %w", err)
	}
	defer rows.Close()

	var events []FileEvent
	statted := 0
	for rows.Next() {
		if statted >= limit {
			break
		}
		var path, fileType string
		var recorded float64
		if err := rows.Scan(&path, &fileType, &recorded); err != nil {
			return events, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		statted++

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		mtime := float64(info.ModTime().UnixMilli()) / 1000.0
		if mtime > recorded {
			events = append(events, FileEvent{Path: path, Type: fileType, MTime: mtime})
		}
	}
	return events, rows.Err()
}

func (r *Reconciler) rederive(ctx context.Context) {
	if err := r.deriver.RootTracesBatch(ctx); err != nil {
		slog.Warn("Reconciler re-derivation failed", "step", "root_traces", "error", err)
	}
	if err := r.deriver.DelegationsBatch(ctx); err != nil {
		slog.Warn("Reconciler re-derivation failed", "step", "delegations", "error", err)
	}
	if err := r.deriver.DelegationTracesBatch(ctx); err != nil {
		slog.Warn("Reconciler re-derivation failed", "step", "delegation_traces", "error", err)
	}
}

// LastScan reports when the previous scan finished and how many files have
// been recovered since start.
func (r *Reconciler) LastScan() (time.Time, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastScan, r.recovered
}
