package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/errs"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Job is one unit of work run by the pool under its retry policy
type Job struct {
	Name string
	Run  func(ctx context.Context) error
	// OnExhausted is called when a retryable failure outlives the retry policy
	OnExhausted func(ctx context.Context, err error)
	// OnDone is called once after the job finishes, whatever the outcome
	OnDone func()
}

// Pool runs jobs on a fixed number of goroutines.
// Panics inside a job are recovered and reported as non-retryable failures.
type Pool struct {
	workers int
	queue   chan Job
	policy  RetryPolicy
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(workers, queueSize int, policy RetryPolicy, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		workers: workers,
		queue:   make(chan Job, queueSize),
		policy:  policy,
		logger:  logger,
	}
}

// Start launches the worker goroutines. They exit when ctx is cancelled or the pool is stopped.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit queues a job, blocking while the queue is full
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues a job without blocking. It returns false when the queue is full or closed.
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- job:
		return true
	default:
		return false
	}
}

// Stop stops accepting jobs and waits for queued jobs to drain
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.execute(ctx, job)
		}
	}
}

func (p *Pool) execute(ctx context.Context, job Job) {
	if job.OnDone != nil {
		defer job.OnDone()
	}

	attempts, err := p.policy.Run(ctx, func(ctx context.Context) error {
		return runSafely(ctx, job)
	})
	if err == nil {
		return
	}

	log := p.logger.With(zap.String("job", job.Name), zap.Int("attempts", attempts), zap.Error(err))
	switch {
	case ctx.Err() != nil:
		log.Warn("Job interrupted by shutdown")
	case errs.Retryable(err):
		log.Error("Job retries exhausted")
		if job.OnExhausted != nil {
			job.OnExhausted(ctx, err)
		}
	default:
		log.Warn("Job failed")
	}
}

func runSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.E(errs.KindInternal, job.Name, fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	return job.Run(ctx)
}
