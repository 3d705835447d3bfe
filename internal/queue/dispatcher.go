package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/worker"
)

var (
	ErrQueueFull = errors.New("local work queue is full")
	ErrNotBound  = errors.New("local dispatcher has no handlers bound")
)

// Dispatcher hands one task to an executor. Tasks sharing a taskID while one is outstanding are dropped.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *asynq.Task, taskID string) error
}

// RedisConnOpt converts a redis:// URL into asynq connection options
func RedisConnOpt(redisURL string) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return asynq.RedisClientOpt{
		Network:   opt.Network,
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

// AsynqDispatcher enqueues tasks into redis for the asynq server
type AsynqDispatcher struct {
	client  *asynq.Client
	policy  worker.RetryPolicy
	timeout time.Duration
	logger  *zap.Logger
}

func NewAsynqDispatcher(client *asynq.Client, policy worker.RetryPolicy, timeout time.Duration, logger *zap.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, policy: policy, timeout: timeout, logger: logger}
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, task *asynq.Task, taskID string) error {
	opts := []asynq.Option{
		asynq.TaskID(taskID),
		asynq.Queue(QueueFor(task.Type())),
		asynq.MaxRetry(d.policy.Retries()),
	}
	if d.timeout > 0 {
		opts = append(opts, asynq.Timeout(d.timeout))
	}

	info, err := d.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			d.logger.Debug("Task already enqueued", zap.String("task_id", taskID))
			return nil
		}
		return fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}

	d.logger.Debug("Task enqueued",
		zap.String("task_id", info.ID),
		zap.String("task_type", task.Type()),
		zap.String("queue", info.Queue))
	return nil
}

// TaskProcessor executes tasks and reports those that ran out of retries
type TaskProcessor interface {
	ProcessTask(ctx context.Context, t *asynq.Task) error
	Exhausted(ctx context.Context, t *asynq.Task, cause error)
}

// LocalDispatcher runs tasks on the in-process worker pool
type LocalDispatcher struct {
	pool     *worker.Pool
	handlers TaskProcessor
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewLocalDispatcher creates a dispatcher over pool. Handlers are bound afterwards with Bind,
// since the handlers' processors schedule through this dispatcher.
func NewLocalDispatcher(pool *worker.Pool, logger *zap.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		pool:     pool,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Bind sets the processor that runs dispatched tasks. It must be called before the first Dispatch.
func (d *LocalDispatcher) Bind(handlers TaskProcessor) {
	d.mu.Lock()
	d.handlers = handlers
	d.mu.Unlock()
}

// Dispatch never blocks; a full pool queue is reported as ErrQueueFull
func (d *LocalDispatcher) Dispatch(ctx context.Context, task *asynq.Task, taskID string) error {
	d.mu.Lock()
	handlers := d.handlers
	if handlers == nil {
		d.mu.Unlock()
		return ErrNotBound
	}
	if _, ok := d.inflight[taskID]; ok {
		d.mu.Unlock()
		d.logger.Debug("Task already queued", zap.String("task_id", taskID))
		return nil
	}
	d.inflight[taskID] = struct{}{}
	d.mu.Unlock()

	job := worker.Job{
		Name: task.Type(),
		Run: func(ctx context.Context) error {
			return handlers.ProcessTask(ctx, task)
		},
		OnExhausted: func(ctx context.Context, err error) {
			handlers.Exhausted(ctx, task, err)
		},
		OnDone: func() {
			d.release(taskID)
		},
	}
	if !d.pool.TrySubmit(job) {
		d.release(taskID)
		return fmt.Errorf("failed to dispatch %s: %w", task.Type(), ErrQueueFull)
	}
	return nil
}

func (d *LocalDispatcher) release(taskID string) {
	d.mu.Lock()
	delete(d.inflight, taskID)
	d.mu.Unlock()
}

// pending returns the number of queued or running local tasks
func (d *LocalDispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
