package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/metrics"
	"github.com/vipul43/kiwis-ledger/internal/models"
)

type StuckAccountRepository interface {
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]models.MailboxAccount, error)
	ResetStuck(ctx context.Context, accountID, jobID, reason string) (bool, error)
}

type PendingMessageRepository interface {
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]models.Message, error)
}

type WatchdogConfig struct {
	StaleAfter      time.Duration
	MaxRetries      int
	BatchSize       int
	ThreadAggregate bool
}

// SweepResult summarizes one watchdog pass
type SweepResult struct {
	Reset       int `json:"reset"`
	Rescheduled int `json:"rescheduled"`
	Requeued    int `json:"requeued"`
}

// Watchdog releases accounts whose sync job died mid-flight and requeues messages whose
// extraction never ran
type Watchdog struct {
	accounts  StuckAccountRepository
	messages  PendingMessageRepository
	scheduler Scheduler
	cfg       WatchdogConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewWatchdog(accounts StuckAccountRepository, messages PendingMessageRepository, scheduler Scheduler, cfg WatchdogConfig, logger *zap.Logger) *Watchdog {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Watchdog{
		accounts:  accounts,
		messages:  messages,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (w *Watchdog) Sweep(ctx context.Context) (*SweepResult, error) {
	cutoff := w.now().UTC().Add(-w.cfg.StaleAfter)
	result := &SweepResult{}

	if err := w.resetStuck(ctx, cutoff, result); err != nil {
		return result, err
	}
	if err := w.requeuePending(ctx, cutoff, result); err != nil {
		return result, err
	}

	if result.Reset > 0 || result.Requeued > 0 {
		w.logger.Info("Watchdog sweep finished",
			zap.Int("reset", result.Reset),
			zap.Int("rescheduled", result.Rescheduled),
			zap.Int("requeued", result.Requeued))
	}
	return result, nil
}

func (w *Watchdog) resetStuck(ctx context.Context, cutoff time.Time, result *SweepResult) error {
	stuck, err := w.accounts.ListStuck(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, account := range stuck {
		if account.SyncJobID == nil {
			continue
		}
		since := "unknown"
		if account.LastAttemptedSyncAt != nil {
			since = account.LastAttemptedSyncAt.UTC().Format(time.RFC3339)
		}
		stuckErr := errs.StuckSync("watchdog.Sweep", fmt.Sprintf("job %s running since %s", *account.SyncJobID, since))
		reason := "sync stuck: " + stuckErr.Msg

		reset, err := w.accounts.ResetStuck(ctx, account.ID, *account.SyncJobID, reason)
		if err != nil {
			return err
		}
		if !reset {
			// The job finished or was reset by another sweeper in the meantime
			continue
		}
		result.Reset++
		metrics.IncrementStuckSyncResets()
		w.logger.Warn("Stuck sync reset",
			zap.String("account_id", account.ID),
			zap.String("job_id", *account.SyncJobID),
			zap.Error(stuckErr))

		if account.ErrorCount+1 >= w.cfg.MaxRetries {
			continue
		}
		if err := w.scheduler.ScheduleSync(ctx, account.ID); err != nil {
			w.logger.Warn("Failed to reschedule sync", zap.String("account_id", account.ID), zap.Error(err))
			continue
		}
		result.Rescheduled++
	}
	return nil
}

func (w *Watchdog) requeuePending(ctx context.Context, cutoff time.Time, result *SweepResult) error {
	pending, err := w.messages.ListPending(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i := range pending {
		msg := &pending[i]
		unit := ExtractionUnit{AccountID: msg.AccountID, MessageID: msg.ID}
		if w.cfg.ThreadAggregate && msg.ThreadID != nil && *msg.ThreadID != "" && *msg.ThreadID != msg.ProviderMessageID {
			unit = ExtractionUnit{AccountID: msg.AccountID, ThreadID: *msg.ThreadID}
		}
		if seen[unit.Key()] {
			continue
		}
		seen[unit.Key()] = true

		if err := w.scheduler.ScheduleExtraction(ctx, unit); err != nil {
			w.logger.Warn("Failed to requeue extraction", zap.String("unit", unit.Key()), zap.Error(err))
			continue
		}
		result.Requeued++
	}
	return nil
}
