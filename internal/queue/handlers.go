package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/metrics"
	"github.com/vipul43/kiwis-ledger/internal/service"
)

type SyncRunner interface {
	SyncAccount(ctx context.Context, accountID string) (*service.SyncResult, error)
	RecordExhausted(ctx context.Context, accountID string, cause error) error
}

type ExtractionRunner interface {
	Process(ctx context.Context, unit service.ExtractionUnit) error
	RecordExhausted(ctx context.Context, unit service.ExtractionUnit, cause error) error
}

type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepResult, error)
}

type StatsCollector interface {
	Collect(ctx context.Context) error
}

type LedgerDispatcher interface {
	DispatchPending(ctx context.Context) (int, error)
}

// Handlers holds the job bodies. The same handlers back the asynq server and the local pool.
type Handlers struct {
	sync     SyncRunner
	extract  ExtractionRunner
	watchdog Sweeper
	stats    StatsCollector
	ledger   LedgerDispatcher
	mux      *asynq.ServeMux
	logger   *zap.Logger
}

func NewHandlers(sync SyncRunner, extract ExtractionRunner, watchdog Sweeper, stats StatsCollector, ledger LedgerDispatcher, logger *zap.Logger) *Handlers {
	h := &Handlers{
		sync:     sync,
		extract:  extract,
		watchdog: watchdog,
		stats:    stats,
		ledger:   ledger,
		mux:      asynq.NewServeMux(),
		logger:   logger,
	}
	h.mux.HandleFunc(TypeSyncAccount, h.handleSync)
	h.mux.HandleFunc(TypeExtractMessage, h.handleExtraction)
	h.mux.HandleFunc(TypeExtractThread, h.handleExtraction)
	h.mux.HandleFunc(TypeWatchdog, h.handleWatchdog)
	h.mux.HandleFunc(TypeStats, h.handleStats)
	h.mux.HandleFunc(TypeLedgerDispatch, h.handleLedgerDispatch)
	return h
}

// Mux is the asynq handler for the distributed backend
func (h *Handlers) Mux() *asynq.ServeMux {
	return h.mux
}

// ProcessTask runs the job body for t
func (h *Handlers) ProcessTask(ctx context.Context, t *asynq.Task) error {
	start := time.Now()
	err := h.mux.ProcessTask(ctx, t)
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	metrics.RecordJob(t.Type(), outcome, time.Since(start))
	return err
}

// Exhausted records the terminal failure of a unit whose retries ran out
func (h *Handlers) Exhausted(ctx context.Context, t *asynq.Task, cause error) {
	log := h.logger.With(zap.String("task_type", t.Type()), zap.Error(cause))

	switch t.Type() {
	case TypeSyncAccount:
		var p SyncPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Error("Invalid sync payload on exhaustion", zap.NamedError("decode_error", err))
			return
		}
		if err := h.sync.RecordExhausted(ctx, p.AccountID, cause); err != nil {
			log.Error("Failed to record sync exhaustion", zap.String("account_id", p.AccountID), zap.NamedError("record_error", err))
		}
	case TypeExtractMessage, TypeExtractThread:
		var unit service.ExtractionUnit
		if err := json.Unmarshal(t.Payload(), &unit); err != nil {
			log.Error("Invalid extraction payload on exhaustion", zap.NamedError("decode_error", err))
			return
		}
		if err := h.extract.RecordExhausted(ctx, unit, cause); err != nil {
			log.Error("Failed to record extraction exhaustion", zap.String("unit", unit.Key()), zap.NamedError("record_error", err))
		}
	default:
		log.Warn("Maintenance task retries exhausted")
	}
}

func (h *Handlers) handleSync(ctx context.Context, t *asynq.Task) error {
	var p SyncPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid sync payload: %v: %w", err, asynq.SkipRetry)
	}

	_, err := h.sync.SyncAccount(ctx, p.AccountID)
	if errs.Is(err, errs.KindInvalidStateTransition) {
		// Another job holds the account; nothing to do
		h.logger.Debug("Sync skipped", zap.String("account_id", p.AccountID), zap.Error(err))
		return nil
	}
	return h.result(ctx, t, err)
}

func (h *Handlers) handleExtraction(ctx context.Context, t *asynq.Task) error {
	var unit service.ExtractionUnit
	if err := json.Unmarshal(t.Payload(), &unit); err != nil {
		return fmt.Errorf("invalid extraction payload: %v: %w", err, asynq.SkipRetry)
	}
	return h.result(ctx, t, h.extract.Process(ctx, unit))
}

func (h *Handlers) handleWatchdog(ctx context.Context, t *asynq.Task) error {
	_, err := h.watchdog.Sweep(ctx)
	return h.result(ctx, t, err)
}

func (h *Handlers) handleStats(ctx context.Context, t *asynq.Task) error {
	return h.result(ctx, t, h.stats.Collect(ctx))
}

func (h *Handlers) handleLedgerDispatch(ctx context.Context, t *asynq.Task) error {
	_, err := h.ledger.DispatchPending(ctx)
	return h.result(ctx, t, err)
}

// result maps a job error onto asynq retry semantics. Non-retryable errors skip retry, and an
// extraction unit that fails that way is recorded as exhausted at once. The last failed asynq
// attempt of a retryable error is recorded as exhausted.
func (h *Handlers) result(ctx context.Context, t *asynq.Task, err error) error {
	if err == nil {
		return nil
	}
	if !errs.Retryable(err) {
		if isExtraction(t.Type()) && !errs.Is(err, errs.KindInvalidStateTransition) {
			h.Exhausted(ctx, t, err)
		}
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if retried, ok := asynq.GetRetryCount(ctx); ok {
		if maxRetry, ok := asynq.GetMaxRetry(ctx); ok && retried >= maxRetry {
			h.Exhausted(ctx, t, err)
		}
	}
	return err
}

func isExtraction(taskType string) bool {
	return taskType == TypeExtractMessage || taskType == TypeExtractThread
}
