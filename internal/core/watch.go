package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"revnotify/util"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// WatchSchema signals on the returned channel whenever the file at path
// is written, created or renamed into place.  The parent directory is
// watched rather than the file so that atomic replace-by-rename keeps
// being noticed.  The watcher stops when ctx is cancelled.
func WatchSchema(ctx context.Context, path string, logger *util.Logger) (<-chan struct{}, error) {
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				logger.Debug("schema watch: %v", ev)
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					debounce = time.After(reloadDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("schema watch %s: %v", target, err)
			case <-debounce:
				debounce = nil
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
