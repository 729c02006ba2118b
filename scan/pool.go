package scan

import (
	"context"
	"sync"
	"time"

	"argus/core"
	"argus/util/goroutine"

	"go.uber.org/zap"
)

// Pool is a fixed-size worker pool consuming ScanTasks from the shared
// queue. Workers share only the immutable ruleset snapshot and the pooled
// store connections; there is no ordering guarantee across files.
type Pool struct {
	workers int
	scanner *Scanner
	tasks   <-chan core.ScanTask
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool of the given size over the watcher's task queue.
func NewPool(workers int, scanner *Scanner, tasks <-chan core.ScanTask, logger *zap.SugaredLogger) *Pool {
	return &Pool{workers: workers, scanner: scanner, tasks: tasks, logger: logger}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Infof("Starting scan worker pool with %d workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop waits up to grace for in-flight scans to finish, then cancels the
// worker context to force stragglers off their current file. Workers exit
// when the task channel is closed by the watcher.
func (p *Pool) Stop(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Scan worker pool drained")
	case <-time.After(grace):
		p.logger.Warnw("Grace period elapsed, cancelling in-flight scans", "grace", grace)
		p.cancel()
		select {
		case <-done:
			p.logger.Info("Scan worker pool stopped after cancellation")
		case <-time.After(5 * time.Second):
			p.logger.Error("Scan workers did not stop after cancellation")
		}
	}
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	defer goroutine.Recover("scan-worker", p.logger)

	p.logger.Debugw("Scan worker started", "worker_id", id)
	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debugw("Scan worker stopping on cancellation", "worker_id", id)
			return
		case task, ok := <-p.tasks:
			if !ok {
				p.logger.Debugw("Scan worker stopping on closed queue", "worker_id", id)
				return
			}
			// A panic while processing one file must not take down the
			// worker or affect other queued work.
			func() {
				defer goroutine.Recover("scan-task", p.logger)
				p.scanner.Process(p.ctx, task)
			}()
		}
	}
}
