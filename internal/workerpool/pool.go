// Package workerpool runs queued jobs on a fixed number of goroutines.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/luddite-os/installer/internal/logging"
)

var log = logging.L("workerpool")

var (
	// ErrStopped is returned by Submit after StopAccepting or Shutdown.
	ErrStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("worker pool queue full")
)

// Job is a unit of work. ctx is cancelled when the pool shuts down.
type Job func(ctx context.Context)

// Pool is a bounded goroutine pool with a fixed-size job queue.
type Pool struct {
	workers   int
	queue     chan Job
	wg        sync.WaitGroup
	mu        sync.RWMutex // serializes Submit against queue close
	accepting bool
	closed    bool
	running   atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
}

// New starts a pool with the given number of workers and queue capacity.
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:   workers,
		queue:     make(chan Job, queueSize),
		accepting: true,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < workers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

// Submit enqueues a job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.accepting {
		return ErrStopped
	}

	p.wg.Add(1)
	select {
	case p.queue <- job:
		return nil
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, job rejected")
		return ErrQueueFull
	}
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// StopAccepting makes further Submit calls fail with ErrStopped.
func (p *Pool) StopAccepting() {
	p.mu.Lock()
	p.accepting = false
	p.mu.Unlock()
}

// Shutdown stops accepting jobs and waits for queued and running jobs until
// ctx ends, at which point running jobs see their context cancelled.
// Workers exit once the queue is drained.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out, cancelling jobs")
		p.cancel()
		<-done
	}
	p.cancel()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
}

func (p *Pool) worker() {
	for job := range p.queue {
		p.run(job)
	}
}

// run executes a job with panic recovery. wg.Done matches the Add in Submit.
func (p *Pool) run(job Job) {
	defer p.wg.Done()
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	job(p.ctx)
}
