// Package watch observes the extraction directory, waits for files to go
// stable, deduplicates re-notifications, and dispatches scan tasks onto a
// bounded queue.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"argus/util/goroutine"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Backend delivers raw filesystem change notifications. Native event
// notification is not available on every host, so the watcher accepts any
// Backend and a polling implementation is kept as fallback.
type Backend interface {
	// Start begins emitting paths until ctx is cancelled.
	Start(ctx context.Context) error
	// Events yields paths of files that may have been created or written.
	Events() <-chan string
	// Close releases backend resources.
	Close() error
}

// NewBackend selects a backend by name: "fsnotify", "poll", or "auto"
// (fsnotify with fallback to polling when inotify setup fails).
func NewBackend(name, dir string, pollInterval time.Duration, logger *zap.SugaredLogger) (Backend, error) {
	switch name {
	case "fsnotify":
		return newNotifyBackend(dir, logger)
	case "poll":
		return newPollBackend(dir, pollInterval, logger), nil
	case "", "auto":
		b, err := newNotifyBackend(dir, logger)
		if err != nil {
			logger.Warnw("Native filesystem notifications unavailable, falling back to polling",
				"dir", dir, "error", err)
			return newPollBackend(dir, pollInterval, logger), nil
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown watcher backend %q", name)
	}
}

// notifyBackend watches the directory tree with fsnotify, adding new
// subdirectories as they appear. Files that already exist when a watch is
// registered get no inotify event, so every tree walk also emits the files
// it finds; the watcher's dedup layer absorbs the repeats.
type notifyBackend struct {
	dir     string
	watcher *fsnotify.Watcher
	out     chan string
	logger  *zap.SugaredLogger
}

func newNotifyBackend(dir string, logger *zap.SugaredLogger) (*notifyBackend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the root now so an unusable directory fails construction and
	// triggers the polling fallback, not a dead watch loop.
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &notifyBackend{dir: dir, watcher: w, out: make(chan string, 256), logger: logger}, nil
}

// addTree extends the watch to every directory under root and emits every
// file already inside, closing the gap for files carved before the watch
// existed. Runs only on the Start goroutine, with the consumer draining.
func (b *notifyBackend) addTree(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := b.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			return nil
		}
		select {
		case b.out <- path:
		case <-ctx.Done():
			return filepath.SkipAll
		}
		return nil
	})
}

func (b *notifyBackend) Start(ctx context.Context) error {
	go func() {
		defer goroutine.Recover("watch-notify-backend", b.logger)

		// Initial sweep: files present before startup still owe a scan.
		if err := b.addTree(ctx, b.dir); err != nil {
			b.logger.Warnw("Initial directory sweep incomplete", "dir", b.dir, "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-b.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				info, err := os.Stat(ev.Name)
				if err != nil {
					continue
				}
				if info.IsDir() {
					// New subdirectory: files written into it before its
					// watch registers produced no events, so walk it too.
					if err := b.addTree(ctx, ev.Name); err != nil {
						b.logger.Warnw("Failed to watch new subdirectory", "dir", ev.Name, "error", err)
					}
					continue
				}
				select {
				case b.out <- ev.Name:
				case <-ctx.Done():
					return
				}
			case err, ok := <-b.watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warnw("Filesystem watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (b *notifyBackend) Events() <-chan string { return b.out }

func (b *notifyBackend) Close() error { return b.watcher.Close() }

// pollBackend re-walks the directory on an interval. Noisy by design; the
// watcher's dedup cache absorbs repeat notifications for unchanged files.
type pollBackend struct {
	dir      string
	interval time.Duration
	out      chan string
	logger   *zap.SugaredLogger
}

func newPollBackend(dir string, interval time.Duration, logger *zap.SugaredLogger) *pollBackend {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &pollBackend{dir: dir, interval: interval, out: make(chan string, 256), logger: logger}
}

func (b *pollBackend) Start(ctx context.Context) error {
	go func() {
		defer goroutine.Recover("watch-poll-backend", b.logger)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		b.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweep(ctx)
			}
		}
	}()
	return nil
}

func (b *pollBackend) sweep(ctx context.Context) {
	err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			return nil
		}
		select {
		case b.out <- path:
		case <-ctx.Done():
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		b.logger.Warnw("Directory sweep failed", "dir", b.dir, "error", err)
	}
}

func (b *pollBackend) Events() <-chan string { return b.out }

func (b *pollBackend) Close() error { return nil }
