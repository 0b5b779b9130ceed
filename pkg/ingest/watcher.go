package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes filesystem events under the storage tree and feeds the
// incremental loader. Only files with mtime at or past the bulk cutoff T0
// belong to the live path; older files are the bulk loader's territory and
// are dropped here. The watcher never performs store writes itself — it
// consults the ledger and enqueues.
type Watcher struct {
	storagePath string
	ledger      *Ledger
	loader      *IncrementalLoader
	debounce    time.Duration

	t0  int64
	fsw *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher; Start arms it.
func NewWatcher(storagePath string, ledger *Ledger, loader *IncrementalLoader, debounce time.Duration) *Watcher {
	return &Watcher{
		storagePath: storagePath,
		ledger:      ledger,
		loader:      loader,
		debounce:    debounce,
		timers:      make(map[string]*time.Timer),
	}
}

// Start begins watching with the given cutoff (epoch seconds). Events whose
// file mtime is below t0 are ignored. Idempotent.
func (w *Watcher) Start(ctx context.Context, t0 int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	w.fsw = fsw
	w.t0 = t0
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)

	// fsnotify watches are not recursive: register the root, the three
	// type directories, and every existing subdirectory; new directories
	// are added as their create events arrive.
	if err := w.watchTree(); err != nil {
		_ = fsw.Close()
		w.fsw = nil
		return err
	}

	w.started = true
	go w.dispatch(ctx)
	slog.Info("Watcher started", "storage", w.storagePath, "t0", t0, "debounce", w.debounce)
	return nil
}

// Stop tears down the watcher and pending debounce timers. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	_ = w.fsw.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("Watcher dispatch loop did not exit in time")
	}
	slog.Info("Watcher stopped")
}

func (w *Watcher) watchTree() error {
	if err := w.fsw.Add(w.storagePath); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.storagePath, err)
	}
	return filepath.WalkDir(w.storagePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == w.storagePath {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) dispatch(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				slog.Warn("Failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}

	if !strings.HasSuffix(ev.Name, ".json") {
		return
	}
	w.debouncePath(ev.Name)
}

// debouncePath coalesces a burst of events for one path into a single
// handleFile call after the debounce window.
func (w *Watcher) debouncePath(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.handleFile(path)
	})
}

func (w *Watcher) handleFile(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	mtime := float64(info.ModTime().UnixMilli()) / 1000.0
	if mtime < float64(w.t0) {
		return
	}

	fileType, ok := fileTypeForPath(w.storagePath, path)
	if !ok {
		return
	}

	needs, err := w.ledger.NeedsProcessing(context.Background(), path, mtime)
	if err != nil {
		slog.Warn("Watcher ledger check failed", "path", path, "error", err)
		return
	}
	if !needs {
		return
	}

	w.loader.Enqueue(FileEvent{Path: path, Type: fileType, MTime: mtime})
}
