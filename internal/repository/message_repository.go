package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-ledger/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrMessageNotFound = errors.New("message not found")

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Ingest inserts message metadata, ignoring a row that already exists for the same
// (account_id, provider_message_id). Returns true only when a new row was written.
func (r *MessageRepository) Ingest(ctx context.Context, msg *models.Message) (bool, error) {
	if msg.Status == "" {
		msg.Status = models.MessageStatusPending
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "provider_message_id"}},
			DoNothing: true,
		}).
		Create(msg)
	if result.Error != nil {
		return false, fmt.Errorf("failed to ingest message: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ExistingProviderIDs reports which of ids are already stored for the account
func (r *MessageRepository) ExistingProviderIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}
	var found []string
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("account_id = ? AND provider_message_id IN ?", accountID, ids).
		Pluck("provider_message_id", &found)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query known messages: %w", result.Error)
	}
	for _, id := range found {
		known[id] = true
	}
	return known, nil
}

// GetByID retrieves message by ID
func (r *MessageRepository) GetByID(ctx context.Context, messageID string) (*models.Message, error) {
	var msg models.Message
	result := r.db.WithContext(ctx).First(&msg, "id = ?", messageID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", result.Error)
	}
	return &msg, nil
}

// ListThread returns every stored message of a thread, oldest first
func (r *MessageRepository) ListThread(ctx context.Context, accountID, threadID string) ([]models.Message, error) {
	var msgs []models.Message
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND thread_id = ?", accountID, threadID).
		Order("received_at ASC").
		Find(&msgs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list thread messages: %w", result.Error)
	}
	return msgs, nil
}

// ListPending returns messages still pending that were ingested before cutoff
func (r *MessageRepository) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]models.Message, error) {
	var msgs []models.Message
	result := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.MessageStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", result.Error)
	}
	return msgs, nil
}

// MarkProcessed marks messages as processed. Already processed rows are left alone.
func (r *MessageRepository) MarkProcessed(ctx context.Context, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id IN ? AND status <> ?", messageIDs, models.MessageStatusProcessed).
		Updates(map[string]interface{}{
			"status":       models.MessageStatusProcessed,
			"last_error":   nil,
			"processed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark messages processed: %w", result.Error)
	}
	return nil
}

// MarkFailed records an extraction failure for the given messages
func (r *MessageRepository) MarkFailed(ctx context.Context, lastError string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id IN ? AND status <> ?", messageIDs, models.MessageStatusProcessed).
		Updates(map[string]interface{}{
			"status":       models.MessageStatusFailed,
			"last_error":   lastError,
			"processed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark messages failed: %w", result.Error)
	}
	return nil
}

// IncrementAttempts increments the extraction attempt counter
func (r *MessageRepository) IncrementAttempts(ctx context.Context, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id IN ?", messageIDs).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to increment attempts: %w", result.Error)
	}
	return nil
}

// CountByStatus returns message counts per processing status
func (r *MessageRepository) CountByStatus(ctx context.Context) (map[models.MessageStatus]int64, error) {
	var rows []struct {
		Status models.MessageStatus
		Count  int64
	}
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count messages: %w", result.Error)
	}
	counts := make(map[models.MessageStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
