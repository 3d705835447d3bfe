package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/models"
)

type DueAccountLister interface {
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]models.MailboxAccount, error)
}

// TaskScheduler is the subset of the queue scheduler the watcher drives
type TaskScheduler interface {
	ScheduleSync(ctx context.Context, accountID string) error
	ScheduleWatchdog(ctx context.Context) error
	ScheduleStats(ctx context.Context) error
	ScheduleLedgerDispatch(ctx context.Context) error
}

type Config struct {
	PollInterval     time.Duration
	SyncInterval     time.Duration
	WatchdogInterval time.Duration
	StatsInterval    time.Duration
	LedgerInterval   time.Duration
	BatchSize        int
}

type periodic struct {
	name     string
	interval time.Duration
	schedule func(ctx context.Context) error
	lastRun  time.Time
}

// Watcher is the periodic scheduler: on every tick it schedules syncs for due accounts and
// the maintenance tasks whose interval elapsed
type Watcher struct {
	accounts  DueAccountLister
	scheduler TaskScheduler
	cfg       Config
	tasks     []*periodic
	logger    *zap.Logger
	now       func() time.Time
}

func New(accounts DueAccountLister, scheduler TaskScheduler, cfg Config, logger *zap.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	w := &Watcher{
		accounts:  accounts,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	w.tasks = []*periodic{
		{name: "watchdog", interval: cfg.WatchdogInterval, schedule: scheduler.ScheduleWatchdog},
		{name: "stats", interval: cfg.StatsInterval, schedule: scheduler.ScheduleStats},
		{name: "ledger_dispatch", interval: cfg.LedgerInterval, schedule: scheduler.ScheduleLedgerDispatch},
	}
	return w
}

// Start ticks until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting watcher", zap.Duration("poll_interval", w.cfg.PollInterval))

	// Catch up on anything due from previous runs
	w.Tick(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watcher shutting down")
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass
func (w *Watcher) Tick(ctx context.Context) {
	if err := w.scheduleDueSyncs(ctx); err != nil {
		w.logger.Error("Failed to schedule due syncs", zap.Error(err))
	}

	now := w.now()
	for _, task := range w.tasks {
		if task.interval <= 0 || now.Sub(task.lastRun) < task.interval {
			continue
		}
		if err := task.schedule(ctx); err != nil {
			w.logger.Warn("Failed to schedule periodic task", zap.String("task", task.name), zap.Error(err))
			continue
		}
		task.lastRun = now
	}
}

func (w *Watcher) scheduleDueSyncs(ctx context.Context) error {
	if w.cfg.SyncInterval <= 0 {
		return nil
	}
	due, err := w.accounts.ListDue(ctx, w.now().UTC().Add(-w.cfg.SyncInterval), w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	w.logger.Debug("Scheduling due syncs", zap.Int("count", len(due)))
	for _, account := range due {
		if err := w.scheduler.ScheduleSync(ctx, account.ID); err != nil {
			w.logger.Warn("Failed to schedule sync", zap.String("account_id", account.ID), zap.Error(err))
		}
	}
	return nil
}
