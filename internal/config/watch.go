package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle absorbs editor write bursts (rename+write, temp-file swaps)
// before re-reading the file.
const reloadSettle = 250 * time.Millisecond

// Watch reloads cfg in place when the file at path changes. Each successful
// reload swaps the data fields under the config mutex, so components holding
// the *Config observe new values on their next accessor call. onReload, if
// non-nil, runs after each applied reload. Blocks until ctx is done.
func Watch(ctx context.Context, path string, cfg *Config, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files by rename
	// and a file watch dies with the old inode.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	lastHash := cfg.Hash()
	var settle *time.Timer
	settleC := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(reloadSettle, func() {
				select {
				case settleC <- struct{}{}:
				default:
				}
			})

		case <-settleC:
			next, err := Load(path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous", "path", path, "error", err)
				continue
			}
			if h := next.Hash(); h == lastHash {
				continue
			} else {
				lastHash = h
			}
			cfg.ReplaceFrom(next)
			slog.Info("config reloaded", "path", path, "hash", lastHash)
			if onReload != nil {
				onReload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
