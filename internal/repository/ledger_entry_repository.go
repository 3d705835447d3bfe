package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-ledger/internal/models"
	"gorm.io/gorm"
)

var ErrLedgerEntryNotFound = errors.New("ledger entry not found")

type LedgerEntryRepository struct {
	db *gorm.DB
}

func NewLedgerEntryRepository(db *gorm.DB) *LedgerEntryRepository {
	return &LedgerEntryRepository{db: db}
}

// ListDeliverable returns pending entries whose next attempt is due, oldest first
func (r *LedgerEntryRepository) ListDeliverable(ctx context.Context, now time.Time, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	result := r.db.WithContext(ctx).
		Where("delivery_status = ?", models.DeliveryPending).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query deliverable entries: %w", result.Error)
	}
	return entries, nil
}

// GetBySourceApproval retrieves the entry materialized for an approval
func (r *LedgerEntryRepository) GetBySourceApproval(ctx context.Context, approvalID string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	result := r.db.WithContext(ctx).First(&entry, "source_approval_id = ?", approvalID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", result.Error)
	}
	return &entry, nil
}

// MarkDelivered records a successful hand-off to the ledger service
func (r *LedgerEntryRepository) MarkDelivered(ctx context.Context, entryID, externalID string) error {
	result := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND delivery_status = ?", entryID, models.DeliveryPending).
		Updates(map[string]interface{}{
			"delivery_status":   models.DeliveryDelivered,
			"delivery_attempts": gorm.Expr("delivery_attempts + 1"),
			"external_id":       externalID,
			"last_error":        nil,
			"next_attempt_at":   nil,
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark entry delivered: %w", result.Error)
	}
	return nil
}

// MarkAttemptFailed records a failed delivery. A nil nextAttempt gives up on the entry.
func (r *LedgerEntryRepository) MarkAttemptFailed(ctx context.Context, entryID, lastError string, nextAttempt *time.Time) error {
	updates := map[string]interface{}{
		"delivery_attempts": gorm.Expr("delivery_attempts + 1"),
		"last_error":        lastError,
		"next_attempt_at":   nextAttempt,
		"updated_at":        time.Now().UTC(),
	}
	if nextAttempt == nil {
		updates["delivery_status"] = models.DeliveryFailed
	}
	result := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND delivery_status = ?", entryID, models.DeliveryPending).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to record delivery failure: %w", result.Error)
	}
	return nil
}

// CountByStatus returns entry counts per delivery status
func (r *LedgerEntryRepository) CountByStatus(ctx context.Context) (map[models.DeliveryStatus]int64, error) {
	var rows []struct {
		DeliveryStatus models.DeliveryStatus
		Count          int64
	}
	result := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("delivery_status, count(*) AS count").
		Group("delivery_status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count ledger entries: %w", result.Error)
	}
	counts := make(map[models.DeliveryStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.DeliveryStatus] = row.Count
	}
	return counts, nil
}
