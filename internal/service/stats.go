package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/metrics"
	"github.com/vipul43/kiwis-ledger/internal/models"
)

type AccountCounter interface {
	CountByState(ctx context.Context) (map[models.SyncState]int64, error)
}

type MessageCounter interface {
	CountByStatus(ctx context.Context) (map[models.MessageStatus]int64, error)
}

type ApprovalCounter interface {
	CountByStatus(ctx context.Context) (map[models.ApprovalStatus]int64, error)
}

type LedgerEntryCounter interface {
	CountByStatus(ctx context.Context) (map[models.DeliveryStatus]int64, error)
}

// Stats is a point-in-time count of pipeline state
type Stats struct {
	Accounts      map[models.SyncState]int64      `json:"accounts"`
	Messages      map[models.MessageStatus]int64  `json:"messages"`
	Approvals     map[models.ApprovalStatus]int64 `json:"approvals"`
	LedgerEntries map[models.DeliveryStatus]int64 `json:"ledger_entries"`
}

// StatsCollector publishes pipeline counts as gauges
type StatsCollector struct {
	accounts  AccountCounter
	messages  MessageCounter
	approvals ApprovalCounter
	entries   LedgerEntryCounter
	logger    *zap.Logger
}

func NewStatsCollector(accounts AccountCounter, messages MessageCounter, approvals ApprovalCounter, entries LedgerEntryCounter, logger *zap.Logger) *StatsCollector {
	return &StatsCollector{
		accounts:  accounts,
		messages:  messages,
		approvals: approvals,
		entries:   entries,
		logger:    logger,
	}
}

func (c *StatsCollector) Snapshot(ctx context.Context) (*Stats, error) {
	var (
		s   Stats
		err error
	)
	if s.Accounts, err = c.accounts.CountByState(ctx); err != nil {
		return nil, err
	}
	if s.Messages, err = c.messages.CountByStatus(ctx); err != nil {
		return nil, err
	}
	if s.Approvals, err = c.approvals.CountByStatus(ctx); err != nil {
		return nil, err
	}
	if s.LedgerEntries, err = c.entries.CountByStatus(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

// Collect takes a snapshot and updates the gauges
func (c *StatsCollector) Collect(ctx context.Context) error {
	s, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	metrics.SetGauge(metrics.AccountsBySyncState, s.Accounts)
	metrics.SetGauge(metrics.MessagesByStatus, s.Messages)
	metrics.SetGauge(metrics.ApprovalsByStatus, s.Approvals)
	metrics.SetGauge(metrics.LedgerEntriesByStatus, s.LedgerEntries)

	c.logger.Debug("Stats collected",
		zap.Any("accounts", s.Accounts),
		zap.Any("messages", s.Messages),
		zap.Any("approvals", s.Approvals),
		zap.Any("ledger_entries", s.LedgerEntries))
	return nil
}
