package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses rapid editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watcher hot-reloads workflows.yaml and patterns.yaml when they change on
// disk. Invalid content is rejected with a logged error and the previous
// registry state is kept.
type Watcher struct {
	cfg     *Config
	watcher *fsnotify.Watcher

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a hot-reload watcher over the config directory.
func NewWatcher(cfg *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(cfg.ConfigDir()); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		cfg:     cfg,
		watcher: fsw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start runs the watch loop until Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		<-w.doneCh
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !reloadable(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces and triggers one reload per burst of writes.
func (w *Watcher) scheduleReload(ctx context.Context, file string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(reloadDebounce, func() {
		if err := w.cfg.ReloadWorkflows(ctx); err != nil {
			slog.Error("Config hot-reload rejected, keeping previous state",
				"file", filepath.Base(file),
				"error", err)
		}
	})
}

func reloadable(path string) bool {
	switch filepath.Base(path) {
	case "workflows.yaml", "patterns.yaml":
		return true
	}
	return false
}
