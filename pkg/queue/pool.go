package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWorkers bounds concurrent handlers per queue.
	DefaultWorkers = 2

	// pollInterval paces idle workers between queue checks.
	pollInterval = 200 * time.Millisecond

	// failureBackoff rests a worker after a failed request so a broken
	// dependency is not hammered in a tight loop.
	failureBackoff = time.Second
)

// Handler processes one queued request.
type Handler[T any] func(ctx context.Context, item T) error

// Pool consumes a queue with a fixed set of workers. A failed request is
// logged and the worker moves on to the next one; a panicking handler is
// contained the same way.
type Pool[T any] struct {
	queue   *Queue[T]
	handler Handler[T]
	workers int
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewPool wires workers to a queue. workers <= 0 falls back to
// DefaultWorkers.
func NewPool[T any](queue *Queue[T], workers int, handler Handler[T]) *Pool[T] {
	if queue == nil {
		panic("queue.NewPool: queue must not be nil")
	}
	if handler == nil {
		panic("queue.NewPool: handler must not be nil")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool[T]{
		queue:   queue,
		handler: handler,
		workers: workers,
		logger:  slog.Default().With("component", "queue", "queue", queue.Name()),
		stopCh:  make(chan struct{}),
	}
}

// Start spawns the worker goroutines. It is safe to call multiple times;
// subsequent calls are no-ops.
func (p *Pool[T]) Start(ctx context.Context) {
	if p.started {
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.queue.Name(), i)
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
	p.logger.Info("Worker pool started", "workers", p.workers)
}

// Stop signals all workers to stop and waits for in-flight requests to
// finish. It is safe to call Stop multiple times.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// run is one worker's poll-process-sleep loop.
func (p *Pool[T]) run(ctx context.Context, workerID string) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", workerID)
	log.Info("Worker started")

	for {
		select {
		case <-p.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			item, ok := p.queue.Pop()
			if !ok {
				p.sleep(pollInterval)
				continue
			}
			if err := p.process(ctx, item); err != nil {
				log.Error("Request processing failed", "error", err)
				p.sleep(failureBackoff)
			}
		}
	}
}

// process runs the handler behind a recover barrier: a panicking request
// must not take its worker down.
func (p *Pool[T]) process(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, item)
}

// sleep waits for the given duration or until stop is signalled.
func (p *Pool[T]) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}
