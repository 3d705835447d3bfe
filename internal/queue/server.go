package queue

import (
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/worker"
)

// NewServer builds the asynq server that executes Handlers for the distributed backend
func NewServer(opt asynq.RedisConnOpt, concurrency int, policy worker.RetryPolicy, shutdownTimeout time.Duration, logger *zap.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      Queues,
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return policy.Delay(n)
		},
		ShutdownTimeout: shutdownTimeout,
		Logger:          logger.Sugar(),
		LogLevel:        asynq.WarnLevel,
	})
}
