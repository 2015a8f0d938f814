package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler receives the freshly loaded configuration after a reload.
// Returning an error keeps the previous configuration active.
type ChangeHandler func(cfg *Config) error

// Watcher hot-reloads the config file on change.
type Watcher struct {
	path    string
	logger  *zap.Logger
	handler ChangeHandler

	// debounce absorbs the editor write/rename bursts fsnotify reports.
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, handler ChangeHandler, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, logger: logger, handler: handler, debounce: 200 * time.Millisecond}
}

// Start watches until ctx is done. It watches the parent directory rather
// than the file itself so atomic-rename writes keep being observed.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}

	go func() {
		defer fw.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(w.debounce)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("Config watcher error", zap.Error(err))
			case <-pending:
				pending = nil
				w.reload()
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload failed, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	if err := w.handler(cfg); err != nil {
		w.logger.Error("Config change handler rejected reload", zap.Error(err))
		return
	}
	w.logger.Info("Configuration reloaded", zap.String("path", w.path))
}
