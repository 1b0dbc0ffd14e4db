package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ReportHarvester/internal/errors"
)

const reloadDebounce = 500 * time.Millisecond

// Watch reloads the registry from path whenever the file changes, until ctx is done.
// The parent directory is watched so that editors replacing the file are noticed.
// A file that fails to load leaves the current registry in place.
func (r *Registry) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create registry watcher")
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "watch %s", dir)
	}

	go func() {
		defer watcher.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		reload := func() {
			orgs, err := LoadFile(path)
			if err != nil {
				if logger != nil {
					logger.Warn("registry reload failed", "path", path, "error", err)
				}
				return
			}
			r.Replace(orgs)
			if logger != nil {
				logger.Info("registry reloaded", "path", path, "organizations", len(orgs))
			}
		}

		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("registry watcher error", "error", err)
				}
			}
		}
	}()

	return nil
}
