// Package ingest implements the ingestion engine: bulk load, live watch,
// reconciliation, and the crash-safe sync state machine that ties them
// together.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/models"
)

// SyncState is the durable singleton tracking ingestion phase and progress.
// Phase transitions are monotone (INIT → BULK_SESSIONS → BULK_MESSAGES →
// BULK_PARTS → PROCESSING_QUEUE → REALTIME) until an explicit Reset.
//
// Progress updates are in-memory and cheap; Checkpoint persists the state
// row and must be called at every phase transition.
type SyncState struct {
	client *database.Client

	mu          sync.Mutex
	phase       models.SyncPhase
	t0          int64 // epoch seconds, frozen at StartBulk
	filesTotal  int64
	filesDone   int64
	queueSize   int
	lastIndexed *time.Time
	bulkStarted time.Time
}

// NewSyncState creates an unloaded sync state. Call Load before use.
func NewSyncState(client *database.Client) *SyncState {
	return &SyncState{
		client: client,
		phase:  models.PhaseInit,
	}
}

// Load re-reads the persisted singleton row. A missing row leaves the state
// at INIT; a present row restores phase, cutoff, and counters so a crashed
// bulk load resumes from its recorded phase.
func (s *SyncState) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.client.QueryRow(ctx,
		`SELECT phase, t0, files_total, files_done, last_indexed FROM sync_state WHERE id = 1`)

	var phase string
	var t0, total, done int64
	var lastIndexed *time.Time
	err := row.Scan(&phase, &t0, &total, &done, &lastIndexed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.phase = models.PhaseInit
			return nil
		}
		return fmt.Errorf("failed to load sync state: %w", err)
	}

	s.phase = models.SyncPhase(phase)
	if s.phase.Rank() < 0 {
		slog.Warn("Unknown persisted sync phase, resetting to INIT", "phase", phase)
		s.phase = models.PhaseInit
	}
	s.t0 = t0
	s.filesTotal = total
	s.filesDone = done
	s.lastIndexed = lastIndexed
	return nil
}

// StartBulk freezes the cutoff T0 and the candidate-file total, then enters
// BULK_SESSIONS. T0 is never mutated again until Reset.
func (s *SyncState) StartBulk(ctx context.Context, t0 int64, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.t0 = t0
	s.filesTotal = total
	s.filesDone = 0
	s.phase = models.PhaseBulkSessions
	s.bulkStarted = time.Now()
	return s.checkpointLocked(ctx)
}

// SetPhase advances to phase p and checkpoints. Backwards transitions are
// rejected; the only way back is Reset.
func (s *SyncState) SetPhase(ctx context.Context, p models.SyncPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Rank() < 0 {
		return fmt.Errorf("unknown sync phase %q", p)
	}
	if p.Rank() < s.phase.Rank() {
		return fmt.Errorf("refusing phase regression %s -> %s", s.phase, p)
	}
	s.phase = p
	return s.checkpointLocked(ctx)
}

// UpdateProgress records bulk progress and the live queue depth. In-memory
// only; callers checkpoint separately when durability matters.
func (s *SyncState) UpdateProgress(done int64, queueSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filesDone = done
	s.queueSize = queueSize
}

// AddProgress increments the done counter.
func (s *SyncState) AddProgress(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filesDone += delta
}

// SetQueueSize records the live ingest queue depth.
func (s *SyncState) SetQueueSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueSize = n
}

// MarkIndexed records that a file was just ingested.
func (s *SyncState) MarkIndexed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.lastIndexed = &now
}

// Checkpoint persists the current state to the store.
func (s *SyncState) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked(ctx)
}

func (s *SyncState) checkpointLocked(ctx context.Context) error {
	_, err := s.client.Exec(ctx,
		`INSERT OR REPLACE INTO sync_state (id, phase, t0, files_total, files_done, last_indexed, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)`,
		string(s.phase), s.t0, s.filesTotal, s.filesDone, s.lastIndexed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to checkpoint sync state: %w", err)
	}
	return nil
}

// Reset returns the state machine to INIT and clears counters. The only
// non-monotone transition.
func (s *SyncState) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = models.PhaseInit
	s.t0 = 0
	s.filesTotal = 0
	s.filesDone = 0
	s.queueSize = 0
	s.lastIndexed = nil
	return s.checkpointLocked(ctx)
}

// Phase returns the current phase.
func (s *SyncState) Phase() models.SyncPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// T0 returns the frozen cutoff in epoch seconds (0 before StartBulk).
func (s *SyncState) T0() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t0
}

// Status assembles the consumer-facing view.
func (s *SyncState) Status() models.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := models.SyncStatus{
		Phase:       s.phase,
		T0:          s.t0,
		FilesTotal:  s.filesTotal,
		FilesDone:   s.filesDone,
		QueueSize:   s.queueSize,
		LastIndexed: s.lastIndexed,
		IsReady:     s.phase == models.PhaseRealtime,
	}
	if s.filesTotal > 0 {
		st.Progress = 100 * float64(s.filesDone) / float64(s.filesTotal)
	}
	if !s.bulkStarted.IsZero() && s.filesDone > 0 && s.filesDone < s.filesTotal {
		elapsed := time.Since(s.bulkStarted).Seconds()
		rate := float64(s.filesDone) / elapsed
		if rate > 0 {
			eta := float64(s.filesTotal-s.filesDone) / rate
			st.ETASeconds = &eta
		}
	}
	return st
}
