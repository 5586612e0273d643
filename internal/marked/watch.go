package marked

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 250 * time.Millisecond

// Watcher reloads a Set when its file changes.
type Watcher struct {
	set *Set
}

// NewWatcher returns a service that keeps set in sync with its file.
func NewWatcher(set *Set) *Watcher { return &Watcher{set: set} }

func (w *Watcher) String() string { return "marked-watcher" }

// Serve watches until ctx is done. Without a file it just waits.
func (w *Watcher) Serve(ctx context.Context) error {
	path := w.set.Path()
	if path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(path); err != nil {
		slog.Error("marked: watch add", "path", path, "err", err)
	}
	if err := w.set.Reload(); err != nil {
		slog.Error("marked: initial load", "path", path, "err", err)
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			// Editors replace files on save; re-arm on the new inode.
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := fw.Add(ev.Name); err != nil {
					slog.Debug("marked: watch re-add", "path", ev.Name, "err", err)
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceDelay)
			}
		case <-debounce.C:
			if err := w.set.Reload(); err != nil {
				slog.Error("marked: reload failed", "path", path, "err", err)
				continue
			}
			slog.Info("marked: reloaded", "path", path, "count", w.set.Len())
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("marked: watch error", "err", err)
		}
	}
}
