package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultPollInterval = 300 * time.Millisecond
	errorBackoff        = 100 * time.Millisecond
	// cancelGrace is how long Stop waits for interrupted handlers to return.
	cancelGrace = time.Second
)

// LoggingHandler is a placeholder handler that just logs the ids.
type LoggingHandler struct {
	Logger *slog.Logger
}

// Handle logs the ids (placeholder for actual handling).
func (h *LoggingHandler) Handle(ctx context.Context, ids []string) error {
	h.Logger.Info("Handling items", "ids", ids)
	return nil
}

// Totals accumulates the outcome of all drain cycles of a worker pool.
type Totals struct {
	Cycles   uint64
	OK       uint64
	Failed   uint64
	Requeued uint64
	Dropped  uint64
}

// WorkerPool runs drain cycles against a queue from several goroutines.
// Workers coordinate only through the queue's atomic pop.
type WorkerPool struct {
	queue        *Queue
	numWorkers   int
	handler      Handler
	drainOpts    DrainOptions
	pollInterval time.Duration
	logger       *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	activeCount int32

	cycles, ok, failed, requeued, dropped uint64
}

// NewWorkerPool creates a new worker pool with the specified number of workers.
func NewWorkerPool(q *Queue, numWorkers int, logger *slog.Logger) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &WorkerPool{
		queue:        q,
		numWorkers:   numWorkers,
		handler:      &LoggingHandler{Logger: logger},
		pollInterval: defaultPollInterval,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// SetHandler sets a custom handler for the worker pool.
func (wp *WorkerPool) SetHandler(handler Handler) {
	wp.handler = handler
}

// SetDrainOptions sets the options used for every drain cycle.
func (wp *WorkerPool) SetDrainOptions(opts DrainOptions) {
	wp.drainOpts = opts
}

// SetPollInterval sets how long a worker waits after finding the queue empty.
func (wp *WorkerPool) SetPollInterval(d time.Duration) {
	if d > 0 {
		wp.pollInterval = d
	}
}

// Start launches the workers. They run until Stop is called or ctx is done.
// Either one only keeps workers from popping more items; handlers already
// running are cancelled only when the deadline given to Stop expires.
func (wp *WorkerPool) Start(ctx context.Context) {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wp.cancel = cancel
	go func() {
		select {
		case <-ctx.Done():
			wp.halt()
		case <-wp.stopCh:
		}
	}()
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(hctx, i)
	}
	wp.logger.Info("Worker pool started", "queue", wp.queue.Key(), "num_workers", wp.numWorkers)
}

func (wp *WorkerPool) halt() {
	wp.stopOnce.Do(func() {
		close(wp.stopCh)
	})
}

// worker repeatedly drains the queue, waiting between cycles that found nothing.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.stopCh:
			wp.logger.Debug("Worker stopping", "worker_id", id)
			return
		case <-ctx.Done():
			wp.logger.Debug("Worker stopping", "worker_id", id, "reason", ctx.Err())
			return
		default:
		}

		opts := wp.drainOpts
		opts.Stop = wp.stopCh
		atomic.AddInt32(&wp.activeCount, 1)
		stats, err := wp.queue.Drain(ctx, wp.handler, opts)
		atomic.AddInt32(&wp.activeCount, -1)
		wp.record(stats)

		wait := wp.pollInterval
		switch {
		case err != nil && ctx.Err() == nil:
			wp.logger.Error("Drain cycle failed", "worker_id", id, "error", err)
			wait = errorBackoff
		case stats.Popped > 0:
			wp.logger.Debug("Drain cycle finished", "worker_id", id,
				"ok", len(stats.OK), "errors", len(stats.Errors),
				"requeued", len(stats.Requeued), "dropped", len(stats.Dropped))
			// more work may have arrived while handling, unless all of it failed
			if len(stats.Requeued) == 0 {
				continue
			}
		}

		select {
		case <-wp.stopCh:
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (wp *WorkerPool) record(stats *Stats) {
	if stats == nil {
		return
	}
	atomic.AddUint64(&wp.cycles, 1)
	atomic.AddUint64(&wp.ok, uint64(len(stats.OK)))
	atomic.AddUint64(&wp.failed, uint64(len(stats.Errors)))
	atomic.AddUint64(&wp.requeued, uint64(len(stats.Requeued)))
	atomic.AddUint64(&wp.dropped, uint64(len(stats.Dropped)))
}

// Stop gracefully shuts down the worker pool.
// Workers pop nothing more and wait for their running handlers. If ctx ends
// first, the handlers' context is cancelled; items of handlers that return
// its error are pushed back without counting as failed.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.logger.Info("Stopping worker pool")
	wp.halt()

	// wait for workers to exit
	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info("Worker pool stopped gracefully")
		if wp.cancel != nil {
			wp.cancel()
		}
		return nil
	case <-ctx.Done():
	}

	wp.logger.Warn("Worker pool stop deadline reached, cancelling running handlers")
	if wp.cancel != nil {
		wp.cancel()
	}
	select {
	case <-done:
	case <-time.After(cancelGrace):
	}
	return ctx.Err()
}

// ActiveCount returns the number of workers currently inside a drain cycle.
func (wp *WorkerPool) ActiveCount() int32 {
	return atomic.LoadInt32(&wp.activeCount)
}

// Totals returns the accumulated outcome of all finished drain cycles.
func (wp *WorkerPool) Totals() Totals {
	return Totals{
		Cycles:   atomic.LoadUint64(&wp.cycles),
		OK:       atomic.LoadUint64(&wp.ok),
		Failed:   atomic.LoadUint64(&wp.failed),
		Requeued: atomic.LoadUint64(&wp.requeued),
		Dropped:  atomic.LoadUint64(&wp.dropped),
	}
}
