package events

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of subscriber work executed by the pool.
type Task func()

// WorkerPool runs synchronous subscriber callbacks on a fixed set of
// goroutines so they can never block the bus dispatcher.
//
// Design:
//   - Fixed number of workers
//   - Buffered task queue; a full queue drops tasks instead of blocking
//   - Dropped tasks are counted (backpressure signal), never retried
//
// Thread safety: all methods are safe for concurrent use.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks atomic.Int64
	logger       zerolog.Logger
}

// NewWorkerPool creates a pool with workerCount goroutines and a task
// queue of queueSize slots.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount * 32
	}
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Must be called before Submit, once.
// Workers exit when the context is cancelled or Stop is called.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			wp.run(task)
		case <-wp.ctx.Done():
			return
		}
	}
}

// run executes one task with panic isolation: a panicking subscriber is
// logged with its stack and the worker keeps serving.
func (wp *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("subscriber panic recovered; worker continues")
		}
	}()
	task()
}

// Submit enqueues a task. A full queue drops the task and increments the
// dropped counter; Submit never blocks the caller.
func (wp *WorkerPool) Submit(task Task) bool {
	select {
	case wp.taskQueue <- task:
		return true
	default:
		wp.droppedTasks.Add(1)
		return false
	}
}

// SubmitWait enqueues a task and blocks the CALLER (not the dispatcher)
// until it has run or ctx is done. Used to keep per-subscriber ordering
// for synchronous handlers.
func (wp *WorkerPool) SubmitWait(ctx context.Context, task Task) bool {
	done := make(chan struct{})
	ok := wp.Submit(func() {
		defer close(done)
		task()
	})
	if !ok {
		return false
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the queue and waits for the workers to drain it. Callers
// must have stopped submitting first; the bus cancels its context and
// waits for the dispatcher before calling Stop.
func (wp *WorkerPool) Stop() {
	close(wp.taskQueue)
	wp.wg.Wait()
}

// DroppedTasks reports how many tasks were rejected by a full queue.
func (wp *WorkerPool) DroppedTasks() int64 { return wp.droppedTasks.Load() }

// QueueDepth reports tasks currently waiting.
func (wp *WorkerPool) QueueDepth() int { return len(wp.taskQueue) }
