package core

import (
	"context"
	"sync"
)

// Job is one unit of queued work, typically a full pipeline run.
type Job func(ctx context.Context)

// Scheduler runs queued jobs on a fixed pool of workers. Jobs are independent
// runs; the scheduler never orders them relative to each other.
type Scheduler struct {
	jobs   chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler starts workers goroutines consuming a queue of size queue.
func NewScheduler(workers, queue int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:   make(chan Job, queue),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		job(s.ctx)
	}
}

// Enqueue queues job without blocking.
func (s *Scheduler) Enqueue(job Job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of jobs waiting for a worker.
func (s *Scheduler) Pending() int {
	return len(s.jobs)
}

// Close stops accepting jobs and waits for queued ones to finish. If ctx
// expires first, running jobs see their context cancelled and Close returns
// ctx.Err() once they have returned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
