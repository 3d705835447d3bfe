// Package ledger forwards materialized ledger entries from the outbox table to the ledger service.
package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/metrics"
	"github.com/vipul43/kiwis-ledger/internal/models"
	"github.com/vipul43/kiwis-ledger/internal/worker"
)

type EntryRepository interface {
	ListDeliverable(ctx context.Context, now time.Time, limit int) ([]models.LedgerEntry, error)
	MarkDelivered(ctx context.Context, entryID, externalID string) error
	MarkAttemptFailed(ctx context.Context, entryID, lastError string, nextAttempt *time.Time) error
}

type EntryCreator interface {
	CreateEntry(ctx context.Context, entry Entry) (string, error)
}

// Dispatcher delivers pending outbox entries, backing off per entry on failure
type Dispatcher struct {
	entries   EntryRepository
	client    EntryCreator
	policy    worker.RetryPolicy
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. A nil client leaves entries pending.
func NewDispatcher(entries EntryRepository, client EntryCreator, policy worker.RetryPolicy, batchSize int, logger *zap.Logger) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{
		entries:   entries,
		client:    client,
		policy:    policy,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// DispatchPending delivers one batch of due entries and returns how many were delivered
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	if d.client == nil {
		return 0, nil
	}

	due, err := d.entries.ListDeliverable(ctx, d.now().UTC(), d.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		ok, err := d.deliver(ctx, &due[i])
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}

	if len(due) > 0 {
		d.logger.Info("Ledger dispatch finished", zap.Int("due", len(due)), zap.Int("delivered", delivered))
	}
	return delivered, nil
}

// deliver sends one entry. Only storage errors are returned; delivery failures are recorded on the entry.
func (d *Dispatcher) deliver(ctx context.Context, entry *models.LedgerEntry) (bool, error) {
	log := d.logger.With(zap.String("ledger_entry_id", entry.ID), zap.String("approval_id", entry.SourceApprovalID))

	externalID, err := d.client.CreateEntry(ctx, EntryFromModel(entry))
	if err == nil {
		if err := d.entries.MarkDelivered(ctx, entry.ID, externalID); err != nil {
			return false, err
		}
		metrics.RecordLedgerDelivery("delivered")
		log.Debug("Ledger entry delivered", zap.String("external_id", externalID))
		return true, nil
	}

	attempts := entry.DeliveryAttempts + 1
	if !errs.Retryable(err) || attempts >= d.policy.MaxAttempts {
		metrics.RecordLedgerDelivery("failed")
		log.Error("Ledger delivery gave up", zap.Int("attempts", attempts), zap.Error(err))
		return false, d.entries.MarkAttemptFailed(ctx, entry.ID, err.Error(), nil)
	}

	next := d.now().UTC().Add(d.policy.Delay(attempts - 1))
	metrics.RecordLedgerDelivery("retry")
	log.Warn("Ledger delivery failed, will retry", zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(err))
	return false, d.entries.MarkAttemptFailed(ctx, entry.ID, err.Error(), &next)
}
