package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// WatchBlocklist reloads the engine whenever the blocklist file changes.
// The parent directory is watched so atomic rename-over writes are seen.
// It blocks until ctx is done.
func (e *Engine) WatchBlocklist(ctx context.Context) error {
	if e.blocklist == "" {
		<-ctx.Done()
		return nil
	}
	path, err := filepath.Abs(e.blocklist)
	if err != nil {
		return fmt.Errorf("resolve blocklist path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(defaultDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("blocklist watcher error", zap.Error(err))
		case <-timer.C:
			if err := e.Reload(ctx); err != nil {
				e.logger.Warn("blocklist reload failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
}
