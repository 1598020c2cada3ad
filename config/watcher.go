package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/contentgen/model"
)

// Watcher reloads the registry section of a config file when the file changes.
// Only the registry is hot-reloaded; generation and sink settings need a restart.
// Long-running callers pass Generator.Registry(); `contentgen batch --watch`
// does this for the length of a batch.
type Watcher struct {
	path     string
	registry *model.Registry
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	onReload func(*Config)

	startOnce sync.Once
	done      chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounce sets how long to wait for more writes before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithOnReload registers a callback run after each successful reload.
func WithOnReload(fn func(*Config)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// NewWatcher creates a watcher for path that merges reloaded registry
// entries into registry.
func NewWatcher(path string, registry *model.Registry, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		registry: registry,
		watcher:  fsw,
		logger:   slog.Default(),
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. Editors replace files by rename, so the parent
// directory is watched and events are filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	w.startOnce.Do(func() {
		go w.processEvents(ctx)
	})

	w.logger.Info("Config watcher started",
		"path", w.path,
		"debounce", w.debounce)

	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	started := true
	w.startOnce.Do(func() { started = false })
	if started {
		<-w.done
	}
	return err
}

// Reload reads the file and merges its registry into the live registry.
// An invalid file leaves the registry untouched.
func (w *Watcher) Reload() error {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Registry != nil {
		w.registry.MergeFromConfig(cfg.Registry)
	}
	w.logger.Info("Reloaded registry", "path", w.path, "endpoints", len(w.registry.ListEndpoints()))

	if w.onReload != nil {
		w.onReload(cfg)
	}
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.logger.Warn("Config reload failed", "path", w.path, "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}
