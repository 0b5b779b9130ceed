package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/derive"
	"github.com/agentlens/agentlens/pkg/models"
)

// ingestQueueCapacity bounds the live ingest queue. Producers never block:
// when the queue is full the event is dropped and the reconciler picks the
// file up on its next scan.
const ingestQueueCapacity = 16384

// IncrementalLoader ingests individual JSON files from the live path. Each
// file is parsed, upserted into its raw table, derived (delegations, root
// traces, step events, patches), and marked in the ledger — all inside one
// transaction, so repeated delivery of the same file converges.
type IncrementalLoader struct {
	client      *database.Client
	ledger      *Ledger
	state       *SyncState
	deriver     *derive.Deriver
	workerCount int

	queue    chan FileEvent
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	mu       sync.Mutex
	started  bool
	dropped  int64
	ingested int64
}

// NewIncrementalLoader creates a loader with the given worker count.
func NewIncrementalLoader(client *database.Client, ledger *Ledger, state *SyncState, deriver *derive.Deriver, workers int) *IncrementalLoader {
	if workers <= 0 {
		workers = 1
	}
	return &IncrementalLoader{
		client:      client,
		ledger:      ledger,
		state:       state,
		deriver:     deriver,
		workerCount: workers,
		queue:       make(chan FileEvent, ingestQueueCapacity),
	}
}

// Start spawns the worker goroutines. Safe to call once; duplicates are
// no-ops.
func (l *IncrementalLoader) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		slog.Warn("Incremental loader already started, ignoring duplicate Start call")
		return
	}
	l.started = true

	ctx, l.cancel = context.WithCancel(ctx)
	for i := 0; i < l.workerCount; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.run(ctx)
		}()
	}
	slog.Info("Incremental loader started", "workers", l.workerCount)
}

// Stop cancels the workers and waits for in-flight files to finish. There
// is no cooperative cancellation mid-file; every write is idempotent so a
// re-delivery after restart is harmless.
func (l *IncrementalLoader) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	slog.Info("Incremental loader stopped")
}

// Enqueue hands a file to the workers without blocking. Returns false when
// the queue is saturated and the event was dropped.
func (l *IncrementalLoader) Enqueue(ev FileEvent) bool {
	select {
	case l.queue <- ev:
		l.state.SetQueueSize(len(l.queue))
		return true
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		slog.Warn("Ingest queue full, dropping event (reconciler will retry)", "path", ev.Path)
		return false
	}
}

// QueueSize returns the current queue depth.
func (l *IncrementalLoader) QueueSize() int {
	return len(l.queue)
}

func (l *IncrementalLoader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.queue:
			if err := l.ProcessFile(ctx, ev); err != nil {
				slog.Error("Failed to ingest file", "path", ev.Path, "type", ev.Type, "error", err)
			}
			l.state.SetQueueSize(len(l.queue))
		}
	}
}

// ProcessFile ingests one file synchronously. Read and parse failures mark
// the ledger row failed and return the error; the file stays eligible for a
// retry once its mtime moves.
func (l *IncrementalLoader) ProcessFile(ctx context.Context, ev FileEvent) error {
	data, err := os.ReadFile(ev.Path)
	if err != nil {
		l.markFailed(ctx, ev)
		return fmt.Errorf("failed to read %s: %w", ev.Path, err)
	}

	switch ev.Type {
	case models.FileTypeSession:
		err = l.ingestSession(ctx, ev, data)
	case models.FileTypeMessage:
		err = l.ingestMessage(ctx, ev, data)
	case models.FileTypePart:
		err = l.ingestPart(ctx, ev, data)
	default:
		l.markFailed(ctx, ev)
		return fmt.Errorf("unknown file type %q for %s", ev.Type, ev.Path)
	}
	if err != nil {
		l.markFailed(ctx, ev)
		return err
	}

	l.mu.Lock()
	l.ingested++
	l.mu.Unlock()
	l.state.MarkIndexed()
	return nil
}

func (l *IncrementalLoader) markFailed(ctx context.Context, ev FileEvent) {
	if err := l.ledger.Mark(ctx, ev.Path, ev.Type, models.FileStatusFailed, nil, ev.MTime); err != nil {
		slog.Error("Failed to mark ledger failure", "path", ev.Path, "error", err)
	}
}

func (l *IncrementalLoader) ingestSession(ctx context.Context, ev FileEvent, data []byte) error {
	var file models.SessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("malformed session file %s: %w", ev.Path, err)
	}
	if file.ID == "" {
		return fmt.Errorf("session file %s has no id", ev.Path)
	}

	summary := file.Summary
	if summary == nil {
		summary = &models.ChangeSummary{}
	}
	title := ""
	if file.Title != nil {
		title = *file.Title
	}

	return l.client.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO sessions
			(id, parent_id, project_id, directory, title, additions, deletions, files_changed, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			file.ID, file.ParentID, file.ProjectID, file.Directory, title,
			summary.Additions, summary.Deletions, summary.Files,
			msToTime(&file.Time.Created), msToTime(&file.Time.Updated))
		if err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", file.ID, err)
		}
		if file.ParentID == nil {
			if err := l.deriver.RootTraceTx(tx, file.ID); err != nil {
				return err
			}
		}
		return l.ledger.MarkTx(tx, ev.Path, ev.Type, models.FileStatusProcessed, nil, ev.MTime)
	})
}

func (l *IncrementalLoader) ingestMessage(ctx context.Context, ev FileEvent, data []byte) error {
	var file models.MessageFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("malformed message file %s: %w", ev.Path, err)
	}
	if file.ID == "" || file.SessionID == "" {
		return fmt.Errorf("message file %s missing id or sessionID", ev.Path)
	}

	tokens := file.Tokens
	if tokens == nil {
		tokens = &models.TokenUsage{}
	}
	cache := tokens.Cache
	if cache == nil {
		cache = &models.CacheTokens{}
	}
	cost := 0.0
	if file.Cost != nil && *file.Cost > 0 {
		cost = *file.Cost
	}
	cwd := ""
	if file.Path != nil {
		cwd = file.Path.Cwd
	}

	return l.client.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO messages
			(id, session_id, parent_id, role, agent, model_id, provider_id, mode, cost, finish, cwd,
			 tokens_input, tokens_output, tokens_reasoning, tokens_cache_read, tokens_cache_write,
			 created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			file.ID, file.SessionID, file.ParentID, file.Role, file.Agent,
			file.ResolvedModelID(), file.ResolvedProviderID(),
			deref(file.Mode), cost, deref(file.Finish), cwd,
			clampNonNeg(tokens.Input), clampNonNeg(tokens.Output), clampNonNeg(tokens.Reasoning),
			clampNonNeg(cache.Read), clampNonNeg(cache.Write),
			msToTime(&file.Time.Created), msToTime(file.Time.Completed))
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", file.ID, err)
		}
		return l.ledger.MarkTx(tx, ev.Path, ev.Type, models.FileStatusProcessed, nil, ev.MTime)
	})
}

func (l *IncrementalLoader) ingestPart(ctx context.Context, ev FileEvent, data []byte) error {
	var file models.PartFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("malformed part file %s: %w", ev.Path, err)
	}
	if file.ID == "" || file.MessageID == "" {
		return fmt.Errorf("part file %s missing id or messageID", ev.Path)
	}

	var toolStatus, errorMessage *string
	var arguments *string
	if file.State != nil {
		if file.State.Status != "" {
			toolStatus = &file.State.Status
		}
		errorMessage = file.State.Error
		if file.State.Input != nil {
			raw, err := json.Marshal(file.State.Input)
			if err == nil {
				s := string(raw)
				arguments = &s
			}
		}
	}

	start, end := file.Span()
	createdAt := msToTime(start)
	endedAt := msToTime(end)
	var durationMS *int64
	if start != nil && end != nil {
		d := *end - *start
		durationMS = &d
	}

	return l.client.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO parts
			(id, session_id, message_id, part_type, tool_name, tool_status, call_id, content,
			 arguments, created_at, ended_at, duration_ms, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			file.ID, file.SessionID, file.MessageID, file.Type,
			file.Tool, toolStatus, file.CallID, file.Text,
			arguments, createdAt, endedAt, durationMS, errorMessage)
		if err != nil {
			return fmt.Errorf("failed to upsert part %s: %w", file.ID, err)
		}

		if file.Type == models.PartTypeTool && file.Tool != nil && *file.Tool == models.ToolNameTask &&
			toolStatus != nil && (*toolStatus == models.ToolStatusCompleted || *toolStatus == models.ToolStatusError) {
			if err := l.deriver.DelegationFromPartTx(tx, file.ID); err != nil {
				return err
			}
		}

		switch file.Type {
		case models.PartTypeStepStart, models.PartTypeStepFinish:
			if err := insertStepEvent(tx, &file, createdAt); err != nil {
				return err
			}
		case models.PartTypePatch:
			if err := insertPatch(tx, &file, createdAt); err != nil {
				return err
			}
		}

		return l.ledger.MarkTx(tx, ev.Path, ev.Type, models.FileStatusProcessed, nil, ev.MTime)
	})
}

func insertStepEvent(tx *sql.Tx, file *models.PartFile, createdAt *time.Time) error {
	tokens := file.Tokens
	if tokens == nil {
		tokens = &models.TokenUsage{}
	}
	cache := tokens.Cache
	if cache == nil {
		cache = &models.CacheTokens{}
	}
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO step_events
		(id, session_id, message_id, kind, created_at,
		 tokens_input, tokens_output, tokens_reasoning, tokens_cache_read, tokens_cache_write)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.SessionID, file.MessageID, file.Type, createdAt,
		clampNonNeg(tokens.Input), clampNonNeg(tokens.Output), clampNonNeg(tokens.Reasoning),
		clampNonNeg(cache.Read), clampNonNeg(cache.Write))
	if err != nil {
		return fmt.Errorf("failed to upsert step event %s: %w", file.ID, err)
	}
	return nil
}

func insertPatch(tx *sql.Tx, file *models.PartFile, createdAt *time.Time) error {
	files, err := json.Marshal(file.Files)
	if err != nil {
		files = []byte("[]")
	}
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO patches (id, session_id, git_hash, files, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		file.ID, file.SessionID, deref(file.Hash), string(files), createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert patch %s: %w", file.ID, err)
	}
	return nil
}

func msToTime(ms *int64) *time.Time {
	if ms == nil || *ms == 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func clampNonNeg(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
