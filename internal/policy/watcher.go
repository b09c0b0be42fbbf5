package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Holder whenever its policy file is written or replaced.
type Watcher struct {
	path     string
	holder   *Holder
	logger   *slog.Logger
	onReload func(Policy)
	watcher  *fsnotify.Watcher
}

func NewWatcher(path string, holder *Holder, logger *slog.Logger, onReload func(Policy)) (*Watcher, error) {
	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		holder:   holder,
		logger:   logger,
		onReload: onReload,
		watcher:  fileWatcher,
	}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	defer w.watcher.Close()

	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch policy directory %s: %w", dir, err)
	}
	w.logger.Info("policy watcher started", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("policy watcher stopped")
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				w.logger.Error("policy watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.reload()
}

func (w *Watcher) reload() {
	next, err := w.holder.Reload(w.path)
	if err != nil {
		w.logger.Error("policy reload rejected, keeping previous policy", "path", w.path, "error", err)
		return
	}
	w.logger.Info("policy reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(next)
	}
}
