package worker

import (
	"context"
	"sync"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/log"
	"github.com/cuemby/imagegend/pkg/metrics"
)

const (
	defaultWorkers  = 6
	defaultQueueCap = 100
)

// TaskRunner executes one task to its terminal state. The pool hands it
// a context that is canceled by Cancel, Shutdown, or a pre-pickup
// cancellation of a queued entry; the runner owns all store and bus
// effects, including finalizing canceled tasks.
type TaskRunner interface {
	Run(ctx context.Context, taskID string)
}

// Pool is the fixed-size worker pool draining the task queue. Submit is
// non-blocking: a full queue rejects with queue-full instead of making
// the HTTP handler wait.
type Pool struct {
	runner TaskRunner
	queue  chan string

	baseCtx  context.Context
	baseStop context.CancelFunc

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	canceled map[string]struct{}
	stopped  bool

	workers int
	wg      sync.WaitGroup
}

// New creates a pool with the given worker count and queue capacity.
// Non-positive values fall back to the defaults.
func New(workers, queueCap int, runner TaskRunner) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Pool{
		runner:   runner,
		queue:    make(chan string, queueCap),
		baseCtx:  ctx,
		baseStop: stop,
		running:  make(map[string]context.CancelFunc),
		canceled: make(map[string]struct{}),
		workers:  workers,
	}
}

// Start spawns the worker goroutines
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	logger := log.WithComponent("worker")
	logger.Info().
		Int("workers", p.workers).
		Int("queue_cap", cap(p.queue)).
		Msg("Worker pool started")
}

// Submit enqueues a task for execution without blocking. A saturated
// queue answers queue-full; the caller decides whether to roll back
// whatever it persisted before submitting.
func (p *Pool) Submit(taskID string) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return errdefs.E(errdefs.KindCanceled, "worker pool is shut down")
	}

	select {
	case p.queue <- taskID:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return errdefs.Ef(errdefs.KindQueueFull, "generation queue is full (%d pending)", cap(p.queue))
	}
}

// Cancel interrupts the task if it is running, or marks a queued entry
// so the worker that picks it up starts it with an already-canceled
// context and the runner finalizes it as canceled. Returns whether the
// pool knew of anything to cancel.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.running[taskID]; ok {
		cancel()
		return true
	}
	p.canceled[taskID] = struct{}{}
	return false
}

// QueueDepth reports how many submissions are waiting for a worker
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Shutdown stops intake, cancels every in-flight task, and waits for
// the workers to drain until ctx expires. Queued entries that no worker
// reached stay untouched in the store; the shutdown sweep finalizes
// them. Returns an error when the drain did not complete in time.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.baseStop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger := log.WithComponent("worker")
		logger.Info().Msg("Worker pool drained")
		return nil
	case <-ctx.Done():
		return errdefs.E(errdefs.KindInternal, "worker pool drain incomplete")
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case taskID := <-p.queue:
			metrics.QueueDepth.Set(float64(len(p.queue)))
			p.runTask(taskID)
		}
	}
}

func (p *Pool) runTask(taskID string) {
	ctx, cancel := context.WithCancel(p.baseCtx)

	p.mu.Lock()
	if _, wasCanceled := p.canceled[taskID]; wasCanceled {
		delete(p.canceled, taskID)
		// The runner sees a dead context immediately and finalizes the
		// task as canceled without touching the upstream
		cancel()
	}
	p.running[taskID] = cancel
	p.mu.Unlock()

	metrics.WorkersBusy.Inc()
	p.runner.Run(ctx, taskID)
	metrics.WorkersBusy.Dec()

	p.mu.Lock()
	delete(p.running, taskID)
	p.mu.Unlock()
	cancel()
}
