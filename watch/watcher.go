package watch

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"argus/config"
	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// MetaSuffix marks sidecar metadata files written by the extraction
// collaborator next to each carved file. Sidecars are never scanned.
const MetaSuffix = ".meta.json"

// ComponentName is the health registry key for the watcher.
const ComponentName = "watcher"

// pendingFile tracks a notified file until it goes stable.
type pendingFile struct {
	size       int64
	mtime      time.Time
	lastChange time.Time
}

// Watcher converts raw backend notifications into ScanTasks. A file is
// emitted only after its size and mtime held still for the quiet period,
// which absorbs partial-write noise from the extraction collaborator.
type Watcher struct {
	cfg     config.WatcherConfig
	backend Backend
	tasks   chan core.ScanTask
	seen    *lru.Cache[string, struct{}]
	health  *core.HealthRegistry
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]*pendingFile

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over cfg.Dir with the given backend.
func NewWatcher(cfg config.WatcherConfig, backend Backend, health *core.HealthRegistry, logger *zap.SugaredLogger) (*Watcher, error) {
	cacheSize := cfg.DedupCacheSize
	if cacheSize < 1 {
		cacheSize = 8192
	}
	seen, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:     cfg,
		backend: backend,
		tasks:   make(chan core.ScanTask, cfg.QueueSize),
		seen:    seen,
		health:  health,
		logger:  logger,
		pending: make(map[string]*pendingFile),
	}, nil
}

// Tasks returns the bounded scan task queue consumed by the worker pool.
func (w *Watcher) Tasks() <-chan core.ScanTask {
	return w.tasks
}

// Start begins watching. Tasks flow until Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if err := w.backend.Start(runCtx); err != nil {
		cancel()
		return err
	}

	w.health.SetHealthy(ComponentName)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer goroutine.Recover("watcher", w.logger)
		w.run(runCtx)
	}()

	w.logger.Infow("Watcher started",
		"dir", w.cfg.Dir, "quiet_period", w.cfg.QuietPeriod, "queue_size", w.cfg.QueueSize)
	return nil
}

// Stop cancels the watcher, waits for the loop to drain, and closes the
// task queue so workers see end-of-stream.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.backend.Close()
	w.wg.Wait()
	close(w.tasks)
	w.logger.Info("Watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	sweepEvery := w.cfg.QuietPeriod / 2
	if sweepEvery < 100*time.Millisecond {
		sweepEvery = 100 * time.Millisecond
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-w.backend.Events():
			if !ok {
				return
			}
			w.observe(path)
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// observe records or refreshes the pending entry for a notified path.
func (w *Watcher) observe(path string) {
	if strings.HasSuffix(path, MetaSuffix) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	p, exists := w.pending[path]
	if exists && p.size == info.Size() && p.mtime.Equal(info.ModTime()) {
		// Re-notification of an unchanged pending file: keep the original
		// lastChange so the quiet period is measured from the last write.
		return
	}
	w.pending[path] = &pendingFile{
		size:       info.Size(),
		mtime:      info.ModTime(),
		lastChange: time.Now(),
	}
}

// sweep promotes stable pending files to scan tasks.
func (w *Watcher) sweep(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for path, p := range w.pending {
		if now.Sub(p.lastChange) >= w.cfg.QuietPeriod {
			ready = append(ready, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.promote(ctx, path)
	}
	metrics.QueueDepth.Set(float64(len(w.tasks)))
}

func (w *Watcher) promote(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		// File vanished before it went stable; forget it.
		w.forget(path)
		return
	}

	w.mu.Lock()
	p := w.pending[path]
	if p == nil || p.size != info.Size() || !p.mtime.Equal(info.ModTime()) {
		// Changed since the sweep snapshot: restart the quiet period.
		w.pending[path] = &pendingFile{size: info.Size(), mtime: info.ModTime(), lastChange: time.Now()}
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	key := dedupKey(path, info.Size(), info.ModTime())
	if _, dup := w.seen.Get(key); dup {
		return
	}

	task := core.ScanTask{FilePath: path, DiscoveredAt: time.Now().UTC(), SizeBytes: info.Size()}
	if w.enqueue(ctx, task) {
		w.seen.Add(key, struct{}{})
	}
}

// enqueue pushes a task with a bounded wait. When the queue stays full
// past the timeout the task is dropped and counted rather than growing
// memory unbounded; the file will be rediscovered if it changes or the
// dedup entry ages out.
func (w *Watcher) enqueue(ctx context.Context, task core.ScanTask) bool {
	timer := time.NewTimer(w.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case w.tasks <- task:
		w.health.SetHealthy(ComponentName)
		return true
	case <-timer.C:
		metrics.TasksDropped.Inc()
		w.health.SetDegraded(ComponentName, "queue saturated")
		w.logger.Warnw("Scan queue saturated, dropping task",
			"file", task.FilePath, "queue_size", w.cfg.QueueSize, "wait", w.cfg.EnqueueTimeout)
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

func dedupKey(path string, size int64, mtime time.Time) string {
	return path + "|" + strconv.FormatInt(size, 10) + "|" + strconv.FormatInt(mtime.UnixNano(), 10)
}
