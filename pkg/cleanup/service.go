// Package cleanup provides ledger retention maintenance.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/models"
)

// deleteChunk bounds the parameter count of one ledger delete.
const deleteChunk = 500

// Service periodically enforces ledger retention:
//   - Removes ledger rows whose file no longer exists on disk, so the
//     ledger does not grow past the storage tree it mirrors.
//   - Removes stale failed rows, which makes the reconciler see the file
//     as new again and retry it.
//
// All operations are idempotent.
type Service struct {
	client          *database.Client
	interval        time.Duration
	failedRetention time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service over the shared store client.
func NewService(client *database.Client, interval, failedRetention time.Duration) *Service {
	return &Service{
		client:          client,
		interval:        interval,
		failedRetention: failedRetention,
	}
}

// Start launches the background cleanup loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"interval", s.interval,
		"failed_retention", s.failedRetention)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll performs one maintenance pass.
func (s *Service) RunAll(ctx context.Context) {
	if n, err := s.PruneDeletedFiles(ctx); err != nil {
		slog.Error("Retention: deleted-file prune failed", "error", err)
	} else if n > 0 {
		slog.Info("Retention: pruned ledger rows for deleted files", "count", n)
	}

	if n, err := s.PruneStaleFailures(ctx); err != nil {
		slog.Error("Retention: failed-row prune failed", "error", err)
	} else if n > 0 {
		slog.Info("Retention: pruned stale failed rows", "count", n)
	}
}

// PruneDeletedFiles removes ledger rows whose file is gone from disk and
// returns how many were removed.
func (s *Service) PruneDeletedFiles(ctx context.Context) (int64, error) {
	rows, err := s.client.Query(ctx, `SELECT file_path FROM file_processing`)
	if err != nil {
		return 0, fmt.Errorf("failed to list ledger paths: %w", err)
	}

	var missing []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan ledger path: %w", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			missing = append(missing, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var removed int64
	for start := 0; start < len(missing); start += deleteChunk {
		end := start + deleteChunk
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		args := make([]any, len(chunk))
		for i, p := range chunk {
			args[i] = p
		}
		res, err := s.client.Exec(ctx,
			`DELETE FROM file_processing WHERE file_path IN (`+placeholders+`)`, args...)
		if err != nil {
			return removed, fmt.Errorf("failed to prune ledger rows: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

// PruneStaleFailures removes failed rows older than the retention window.
// The reconciler then treats those files as new and retries them.
func (s *Service) PruneStaleFailures(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.failedRetention)
	res, err := s.client.Exec(ctx,
		`DELETE FROM file_processing WHERE status = ? AND processed_at < ?`,
		models.FileStatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune failed rows: %w", err)
	}
	return res.RowsAffected()
}
