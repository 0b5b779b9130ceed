package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/models"
)

// Ledger records which storage files were processed, with status and mtime.
// It is the barrier that keeps the bulk and live paths disjoint: any file
// the bulk loader touched is marked here and skipped by the watcher and
// reconciler until its mtime moves past the recorded one.
//
// All mutating calls take the ledger mutex; reads go straight to the store.
type Ledger struct {
	client *database.Client
	mu     sync.Mutex
}

// NewLedger creates a ledger over the shared store client.
func NewLedger(client *database.Client) *Ledger {
	return &Ledger{client: client}
}

// IsProcessed reports whether any status row exists for path.
func (l *Ledger) IsProcessed(ctx context.Context, path string) (bool, error) {
	var n int
	err := l.client.QueryRow(ctx,
		`SELECT count(*) FROM file_processing WHERE file_path = ? AND status IS NOT NULL`,
		path).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger for %s: %w", path, err)
	}
	return n > 0, nil
}

// NeedsProcessing reports whether a file with the given on-disk mtime
// (epoch seconds) should be ingested: true when no row exists or when the
// disk mtime is newer than the recorded one.
func (l *Ledger) NeedsProcessing(ctx context.Context, path string, mtime float64) (bool, error) {
	var recorded float64
	err := l.client.QueryRow(ctx,
		`SELECT last_modified FROM file_processing WHERE file_path = ? AND status IS NOT NULL`,
		path).Scan(&recorded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("failed to check ledger for %s: %w", path, err)
	}
	return mtime > recorded, nil
}

// Mark upserts the row for path, overriding any previous status.
func (l *Ledger) Mark(ctx context.Context, path, fileType, status string, checksum *string, mtime float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.client.Exec(ctx,
		`INSERT OR REPLACE INTO file_processing (file_path, file_type, last_modified, processed_at, status, checksum)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		path, fileType, mtime, time.Now().UTC(), status, checksum)
	if err != nil {
		return fmt.Errorf("failed to mark %s: %w", path, err)
	}
	return nil
}

// MarkTx is Mark inside an existing transaction, so the ledger write commits
// atomically with the data write it records.
func (l *Ledger) MarkTx(tx *sql.Tx, path, fileType, status string, checksum *string, mtime float64) error {
	_, err := tx.Exec(
		`INSERT OR REPLACE INTO file_processing (file_path, file_type, last_modified, processed_at, status, checksum)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		path, fileType, mtime, time.Now().UTC(), status, checksum)
	if err != nil {
		return fmt.Errorf("failed to mark %s: %w", path, err)
	}
	return nil
}

// markBatchChunk bounds the parameter count of a single vectorized upsert.
const markBatchChunk = 500

// MarkBatch upserts many rows in chunked multi-row statements. Used by the
// bulk loader to stamp every pre-cutoff file as processed in one pass.
func (l *Ledger) MarkBatch(ctx context.Context, rows []models.FileProcessingRow) error {
	if len(rows) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	for start := 0; start < len(rows); start += markBatchChunk {
		end := start + markBatchChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT OR REPLACE INTO file_processing (file_path, file_type, last_modified, processed_at, status, checksum) VALUES `)
		args := make([]any, 0, len(chunk)*6)
		for i, r := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?)")
			args = append(args, r.FilePath, r.FileType, r.LastModified, now, r.Status, r.Checksum)
		}
		if _, err := l.client.Exec(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("failed to mark batch of %d files: %w", len(chunk), err)
		}
	}
	return nil
}

// LedgerStats summarizes the ledger by file type and status.
type LedgerStats struct {
	Total    int64            `json:"total"`
	ByType   map[string]int64 `json:"by_type"`
	ByStatus map[string]int64 `json:"by_status"`
}

// Stats counts ledger rows by type and status.
func (l *Ledger) Stats(ctx context.Context) (*LedgerStats, error) {
	stats := &LedgerStats{
		ByType:   make(map[string]int64),
		ByStatus: make(map[string]int64),
	}

	rows, err := l.client.Query(ctx,
		`SELECT file_type, status, count(*) FROM file_processing GROUP BY file_type, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fileType, status sql.NullString
		var n int64
		if err := rows.Scan(&fileType, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan ledger stats: %w", err)
		}
		stats.Total += n
		if fileType.Valid {
			stats.ByType[fileType.String] += n
		}
		if status.Valid {
			stats.ByStatus[status.String] += n
		}
	}
	return stats, rows.Err()
}

// LastIngestAt returns the newest ledger write, the pipeline's true "last
// ingestion" instant (as opposed to source-data timestamps).
func (l *Ledger) LastIngestAt(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := l.client.QueryRow(ctx, `SELECT max(processed_at) FROM file_processing`).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("failed to query last ingest time: %w", err)
	}
	return t, nil
}

// Clear removes every ledger row. Test helper.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.client.Exec(ctx, `DELETE FROM file_processing`); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}
	return nil
}
