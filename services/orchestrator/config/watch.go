package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Tunables is the hot-reloadable subset of Settings. Startup-only keys in
// the watched file are ignored on reload.
type Tunables struct {
	RetrievalTopK               int
	RetrievalWindowSeconds      float64
	RetrievalEnabledDefault     bool
	SummarizationStartThreshold int
	SummarizationInterval       int
}

// Watcher re-reads the settings file when it changes and hands the new
// tunables to the apply callback. The last good snapshot is kept; a file
// that fails to parse or validate leaves the running config untouched.
//
// # Thread Safety
//
// Current is safe for concurrent use. Start should only be called once.
type Watcher struct {
	path    string
	apply   func(Tunables)
	watcher *fsnotify.Watcher
	current atomic.Pointer[Tunables]
}

// NewWatcher creates a watcher over the settings file at path. apply is
// invoked on every effective change and may be nil when only Current is
// consumed.
func NewWatcher(path string, initial Tunables, apply func(Tunables)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: filepath.Clean(path), apply: apply, watcher: fsw}
	w.current.Store(&initial)
	return w, nil
}

// Start begins watching. Blocks until the context is cancelled; run in a
// goroutine.
//
// The parent directory is watched rather than the file itself: editors and
// config mounts replace the file atomically, which would silently detach a
// watch on the old inode.
func (w *Watcher) Start(ctx context.Context) {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("Failed to watch config directory, runtime tunables are frozen",
			"dir", dir,
			"error", err)
		return
	}
	slog.Info("Watching config file for runtime tunables", "path", w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)

		case <-ctx.Done():
			slog.Debug("Config watcher stopping")
			return
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	// Writes cover in-place edits; creates cover atomic replacement.
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	settings, err := Load(w.path)
	if err != nil {
		slog.Warn("Config reload failed, keeping current tunables",
			"path", w.path,
			"error", err)
		return
	}

	next := settings.Tunables()
	prev := w.current.Swap(&next)
	if prev != nil && *prev == next {
		return
	}

	slog.Info("Runtime tunables reloaded",
		"retrieval_top_k", next.RetrievalTopK,
		"retrieval_window_seconds", next.RetrievalWindowSeconds,
		"retrieval_enabled_default", next.RetrievalEnabledDefault,
		"summarization_start_threshold", next.SummarizationStartThreshold,
		"summarization_interval", next.SummarizationInterval)
	if w.apply != nil {
		w.apply(next)
	}
}

// Current returns the latest tunables snapshot.
func (w *Watcher) Current() Tunables { return *w.current.Load() }

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error { return w.watcher.Close() }
