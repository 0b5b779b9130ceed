package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/derive"
	"github.com/agentlens/agentlens/pkg/models"
)

// Explicit reader schemas. Handing read_json a full column layout guarantees
// that every projected column exists even when individual files omit it;
// union_by_name + ignore_errors absorb heterogeneous and malformed files
// without failing the load.
const (
	sessionColumns = `{
		id: 'VARCHAR', parentID: 'VARCHAR', projectID: 'VARCHAR',
		directory: 'VARCHAR', title: 'VARCHAR', version: 'VARCHAR',
		summary: 'STRUCT(additions BIGINT, deletions BIGINT, files BIGINT)',
		"time": 'STRUCT(created BIGINT, updated BIGINT)'
	}`

	messageColumns = `{
		id: 'VARCHAR', sessionID: 'VARCHAR', parentID: 'VARCHAR',
		role: 'VARCHAR', agent: 'VARCHAR',
		modelID: 'VARCHAR', providerID: 'VARCHAR',
		model: 'STRUCT(modelID VARCHAR, providerID VARCHAR)',
		mode: 'VARCHAR', cost: 'DOUBLE', finish: 'VARCHAR',
		path: 'STRUCT(cwd VARCHAR)',
		tokens: 'STRUCT(input BIGINT, output BIGINT, reasoning BIGINT, cache STRUCT("read" BIGINT, write BIGINT))',
		"time": 'STRUCT(created BIGINT, completed BIGINT)'
	}`

	partColumns = `{
		id: 'VARCHAR', sessionID: 'VARCHAR', messageID: 'VARCHAR',
		type: 'VARCHAR', text: 'VARCHAR', tool: 'VARCHAR', callID: 'VARCHAR',
		state: 'STRUCT(status VARCHAR, input JSON, "time" STRUCT(start BIGINT, "end" BIGINT), error VARCHAR)',
		"time": 'STRUCT(start BIGINT, "end" BIGINT)'
	}`

	// Second pass over the part files for step events and patches, which
	// need the token snapshot and patch fields instead of tool state.
	partEventColumns = `{
		id: 'VARCHAR', sessionID: 'VARCHAR', messageID: 'VARCHAR',
		type: 'VARCHAR', hash: 'VARCHAR', files: 'VARCHAR[]',
		tokens: 'STRUCT(input BIGINT, output BIGINT, reasoning BIGINT, cache STRUCT("read" BIGINT, write BIGINT))',
		"time": 'STRUCT(start BIGINT, "end" BIGINT)'
	}`
)

// BulkResult reports what one bulk run loaded, with per-sub-step error
// counters. Sub-step failures are counted and logged, never fatal.
type BulkResult struct {
	Sessions    int64          `json:"sessions"`
	Messages    int64          `json:"messages"`
	Parts       int64          `json:"parts"`
	StepEvents  int64          `json:"step_events"`
	Patches     int64          `json:"patches"`
	FilesMarked int            `json:"files_marked"`
	Errors      map[string]int `json:"errors"`
}

// BulkLoader loads the historical corpus directly through the store's
// native JSON reader, in order sessions → messages → parts, then stamps
// every pre-cutoff file into the ledger so the live path skips them.
type BulkLoader struct {
	client      *database.Client
	ledger      *Ledger
	state       *SyncState
	deriver     *derive.Deriver
	storagePath string
}

// NewBulkLoader creates a bulk loader rooted at storagePath.
func NewBulkLoader(client *database.Client, ledger *Ledger, state *SyncState, deriver *derive.Deriver, storagePath string) *BulkLoader {
	return &BulkLoader{
		client:      client,
		ledger:      ledger,
		state:       state,
		deriver:     deriver,
		storagePath: storagePath,
	}
}

// Run executes (or resumes) the bulk load with cutoff t0 (epoch seconds;
// used only on a fresh start — a resume keeps the persisted cutoff). The
// phase recorded in SyncState decides where to pick up: a crash during
// BULK_MESSAGES re-runs from the messages step with the original cutoff,
// and idempotent upserts make the overlap harmless. On return the state is
// PROCESSING_QUEUE.
func (b *BulkLoader) Run(ctx context.Context, t0Fresh int64) (*BulkResult, error) {
	storage, err := b.validateStoragePath()
	if err != nil {
		return nil, err
	}
	b.storagePath = storage

	result := &BulkResult{Errors: make(map[string]int)}

	counts, total := b.countFiles(ctx, result)

	phase := b.state.Phase()
	switch phase {
	case models.PhaseInit:
		if t0Fresh == 0 {
			t0Fresh = nowEpochSeconds()
		}
		if err := b.state.StartBulk(ctx, t0Fresh, total); err != nil {
			return nil, err
		}
		slog.Info("Bulk load starting", "t0", t0Fresh, "files_total", total)
	case models.PhaseBulkSessions, models.PhaseBulkMessages, models.PhaseBulkParts:
		slog.Info("Bulk load resuming", "phase", phase, "t0", b.state.T0())
	default:
		slog.Info("Bulk load already complete", "phase", phase)
		return result, nil
	}

	t0 := b.state.T0()
	var done int64

	if b.state.Phase().Rank() <= models.PhaseBulkSessions.Rank() {
		b.loadSessions(ctx, t0, result)
		b.deriveStep(ctx, "root_traces", result, b.deriver.RootTracesBatch)
		done += counts[models.FileTypeSession]
		b.state.UpdateProgress(done, 0)
		if err := b.state.SetPhase(ctx, models.PhaseBulkMessages); err != nil {
			return result, err
		}
	} else {
		done += counts[models.FileTypeSession]
	}

	if b.state.Phase().Rank() <= models.PhaseBulkMessages.Rank() {
		b.loadMessages(ctx, t0, result)
		done += counts[models.FileTypeMessage]
		b.state.UpdateProgress(done, 0)
		if err := b.state.SetPhase(ctx, models.PhaseBulkParts); err != nil {
			return result, err
		}
	} else {
		done += counts[models.FileTypeMessage]
	}

	if b.state.Phase().Rank() <= models.PhaseBulkParts.Rank() {
		b.loadParts(ctx, result)
		b.deriveStep(ctx, "delegations", result, b.deriver.DelegationsBatch)
		b.deriveStep(ctx, "delegation_traces", result, b.deriver.DelegationTracesBatch)
		b.loadStepEvents(ctx, result)
		b.loadPatches(ctx, result)
		b.markProcessed(ctx, t0, result)

		done += counts[models.FileTypePart]
		b.state.UpdateProgress(done, 0)
		if err := b.state.SetPhase(ctx, models.PhaseProcessingQueue); err != nil {
			return result, err
		}
	}

	slog.Info("Bulk load complete",
		"sessions", result.Sessions,
		"messages", result.Messages,
		"parts", result.Parts,
		"step_events", result.StepEvents,
		"patches", result.Patches,
		"files_marked", result.FilesMarked,
		"error_steps", len(result.Errors))
	return result, nil
}

// validateStoragePath absolutizes the storage root and requires it to be an
// existing directory. The returned path is later interpolated into SQL for
// the native reader, hence the sanitization at use sites.
func (b *BulkLoader) validateStoragePath() (string, error) {
	abs, err := filepath.Abs(b.storagePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve storage path %q: %w", b.storagePath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("storage path %q: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("storage path %q is not a directory", abs)
	}
	return abs, nil
}

// countFiles globs each type directory for progress totals.
func (b *BulkLoader) countFiles(ctx context.Context, result *BulkResult) (map[string]int64, int64) {
	counts := make(map[string]int64, 3)
	var total int64
	for _, fileType := range []string{models.FileTypeSession, models.FileTypeMessage, models.FileTypePart} {
		pattern := sanitizeSQLPath(filepath.Join(b.storagePath, fileType)) + "/**/*.json"
		var n int64
		err := b.client.QueryRow(ctx,
			fmt.Sprintf(`SELECT count(*) FROM glob('%s')`, pattern)).Scan(&n)
		if err != nil {
			slog.Error("Bulk: failed to count files", "type", fileType, "error", err)
			result.Errors["count_"+fileType]++
			continue
		}
		counts[fileType] = n
		total += n
	}
	return counts, total
}

func (b *BulkLoader) loadSessions(ctx context.Context, t0 int64, result *BulkResult) {
	glob := sanitizeSQLPath(filepath.Join(b.storagePath, models.FileTypeSession)) + "/**/*.json"
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO sessions
		SELECT src.id,
		       src.parentID,
		       COALESCE(src.projectID, ''),
		       COALESCE(src.directory, ''),
		       COALESCE(src.title, ''),
		       COALESCE(src.summary.additions, 0),
		       COALESCE(src.summary.deletions, 0),
		       COALESCE(src.summary.files, 0),
		       epoch_ms(src."time".created),
		       epoch_ms(src."time".updated)
		FROM read_json('%s', columns = %s, union_by_name = true, ignore_errors = true) src
		WHERE src.id IS NOT NULL
		  AND (src."time".created IS NULL OR (src."time".created / 1000) < %d)`,
		glob, sessionColumns, t0)

	res, err := b.client.Exec(ctx, query)
	if err != nil {
		slog.Error("Bulk: session load failed", "error", err)
		result.Errors["sessions"]++
		return
	}
	result.Sessions, _ = res.RowsAffected()
	slog.Info("Bulk: sessions loaded", "rows", result.Sessions)
}

func (b *BulkLoader) loadMessages(ctx context.Context, t0 int64, result *BulkResult) {
	glob := sanitizeSQLPath(filepath.Join(b.storagePath, models.FileTypeMessage)) + "/**/*.json"
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO messages
		SELECT src.id,
		       src.sessionID,
		       src.parentID,
		       COALESCE(src.role, ''),
		       src.agent,
		       COALESCE(src.modelID, src.model.modelID, ''),
		       COALESCE(src.providerID, src.model.providerID, ''),
		       COALESCE(src.mode, ''),
		       GREATEST(COALESCE(src.cost, 0), 0),
		       COALESCE(src.finish, ''),
		       COALESCE(src.path.cwd, ''),
		       GREATEST(COALESCE(src.tokens.input, 0), 0),
		       GREATEST(COALESCE(src.tokens.output, 0), 0),
		       GREATEST(COALESCE(src.tokens.reasoning, 0), 0),
		       GREATEST(COALESCE(src.tokens.cache."read", 0), 0),
		       GREATEST(COALESCE(src.tokens.cache.write, 0), 0),
		       epoch_ms(src."time".created),
		       epoch_ms(src."time".completed)
		FROM read_json('%s', columns = %s, union_by_name = true, ignore_errors = true) src
		WHERE src.id IS NOT NULL
		  AND src.sessionID IS NOT NULL
		  AND (src."time".created IS NULL OR (src."time".created / 1000) < %d)`,
		glob, messageColumns, t0)

	res, err := b.client.Exec(ctx, query)
	if err != nil {
		slog.Error("Bulk: message load failed", "error", err)
		result.Errors["messages"]++
		return
	}
	result.Messages, _ = res.RowsAffected()
	slog.Info("Bulk: messages loaded", "rows", result.Messages)
}

// loadParts reads every part file. Parts carry their timing under two
// different JSON paths (state.time for tools, top-level time otherwise), so
// the cutoff is applied through the message join instead of a time filter.
func (b *BulkLoader) loadParts(ctx context.Context, result *BulkResult) {
	glob := sanitizeSQLPath(filepath.Join(b.storagePath, models.FileTypePart)) + "/**/*.json"
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO parts
		SELECT src.id,
		       src.sessionID,
		       src.messageID,
		       COALESCE(src.type, ''),
		       src.tool,
		       src.state.status,
		       src.callID,
		       src.text,
		       src.state.input,
		       epoch_ms(COALESCE(src.state."time".start, src."time".start)),
		       epoch_ms(COALESCE(src.state."time"."end", src."time"."end")),
		       COALESCE(src.state."time"."end", src."time"."end")
		         - COALESCE(src.state."time".start, src."time".start),
		       src.state.error
		FROM read_json('%s', columns = %s, union_by_name = true, ignore_errors = true) src
		WHERE src.id IS NOT NULL
		  AND src.messageID IN (SELECT id FROM messages)`,
		glob, partColumns)

	res, err := b.client.Exec(ctx, query)
	if err != nil {
		slog.Error("Bulk: part load failed", "error", err)
		result.Errors["parts"]++
		return
	}
	result.Parts, _ = res.RowsAffected()
	slog.Info("Bulk: parts loaded", "rows", result.Parts)
}

func (b *BulkLoader) loadStepEvents(ctx context.Context, result *BulkResult) {
	glob := sanitizeSQLPath(filepath.Join(b.storagePath, models.FileTypePart)) + "/**/*.json"
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO step_events
		SELECT src.id,
		       src.sessionID,
		       src.messageID,
		       src.type,
		       epoch_ms(src."time".start),
		       GREATEST(COALESCE(src.tokens.input, 0), 0),
		       GREATEST(COALESCE(src.tokens.output, 0), 0),
		       GREATEST(COALESCE(src.tokens.reasoning, 0), 0),
		       GREATEST(COALESCE(src.tokens.cache."read", 0), 0),
		       GREATEST(COALESCE(src.tokens.cache.write, 0), 0)
		FROM read_json('%s', columns = %s, union_by_name = true, ignore_errors = true) src
		WHERE src.id IS NOT NULL
		  AND src.type IN ('step-start', 'step-finish')
		  AND src.messageID IN (SELECT id FROM messages)`,
		glob, partEventColumns)

	res, err := b.client.Exec(ctx, query)
	if err != nil {
		slog.Error("Bulk: step event load failed", "error", err)
		result.Errors["step_events"]++
		return
	}
	result.StepEvents, _ = res.RowsAffected()
}

func (b *BulkLoader) loadPatches(ctx context.Context, result *BulkResult) {
	glob := sanitizeSQLPath(filepath.Join(b.storagePath, models.FileTypePart)) + "/**/*.json"
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO patches
		SELECT src.id,
		       src.sessionID,
		       COALESCE(src.hash, ''),
		       to_json(COALESCE(src.files, [])),
		       epoch_ms(src."time".start)
		FROM read_json('%s', columns = %s, union_by_name = true, ignore_errors = true) src
		WHERE src.id IS NOT NULL
		  AND src.type = 'patch'`,
		glob, partEventColumns)

	res, err := b.client.Exec(ctx, query)
	if err != nil {
		slog.Error("Bulk: patch load failed", "error", err)
		result.Errors["patches"]++
		return
	}
	result.Patches, _ = res.RowsAffected()
}

// markProcessed enumerates every on-disk file with mtime < t0 and stamps it
// processed in the ledger. This is the bulk/live barrier: after it commits,
// neither the watcher nor the reconciler will touch those files again.
func (b *BulkLoader) markProcessed(ctx context.Context, t0 int64, result *BulkResult) {
	rows := enumerateFilesBefore(b.storagePath, t0)
	if err := b.ledger.MarkBatch(ctx, rows); err != nil {
		slog.Error("Bulk: failed to mark processed files", "error", err)
		result.Errors["mark_processed"]++
		return
	}
	result.FilesMarked = len(rows)
	slog.Info("Bulk: ledger barrier written", "files", len(rows))
}

func (b *BulkLoader) deriveStep(ctx context.Context, name string, result *BulkResult, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		slog.Error("Bulk: derivation step failed", "step", name, "error", err)
		result.Errors[name]++
	}
}
