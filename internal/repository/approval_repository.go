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

var (
	ErrApprovalNotFound   = errors.New("approval not found")
	ErrApprovalNotPending = errors.New("approval is not pending")
)

// LedgerBuilder produces the ledger entry for an approval that is being approved
type LedgerBuilder func(approval *models.Approval) (*models.LedgerEntry, error)

type ApprovalRepository struct {
	db *gorm.DB
}

func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create inserts an approval. A second approval for the same source message is ignored
// and reported as not created.
func (r *ApprovalRepository) Create(ctx context.Context, approval *models.Approval) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_message_id"}}, DoNothing: true}).
		Create(approval)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create approval: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CreateApproved inserts an already approved approval together with its ledger entry
func (r *ApprovalRepository) CreateApproved(ctx context.Context, approval *models.Approval, entry *models.LedgerEntry) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		approval.Status = models.ApprovalApproved
		approval.LedgerEntryID = &entry.ID
		entry.SourceApprovalID = approval.ID

		result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_message_id"}}, DoNothing: true}).
			Create(approval)
		if result.Error != nil {
			return fmt.Errorf("failed to create approval: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to create ledger entry: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetByID retrieves an approval owned by userID
func (r *ApprovalRepository) GetByID(ctx context.Context, approvalID, userID string) (*models.Approval, error) {
	var approval models.Approval
	result := r.db.WithContext(ctx).First(&approval, "id = ? AND user_id = ?", approvalID, userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrApprovalNotFound
		}
		return nil, fmt.Errorf("failed to get approval: %w", result.Error)
	}
	return &approval, nil
}

// ListByUser returns a user's approvals newest first, optionally filtered by status
func (r *ApprovalRepository) ListByUser(ctx context.Context, userID string, status *models.ApprovalStatus, limit, offset int) ([]models.Approval, error) {
	var approvals []models.Approval
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	result := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&approvals)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", result.Error)
	}
	return approvals, nil
}

// Approve moves a pending approval to APPROVED and writes its ledger entry in one transaction
func (r *ApprovalRepository) Approve(ctx context.Context, approvalID, userID string, edits *models.ApprovalEdits, build LedgerBuilder) (*models.Approval, *models.LedgerEntry, error) {
	var (
		approval models.Approval
		entry    *models.LedgerEntry
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&approval, "id = ? AND user_id = ?", approvalID, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrApprovalNotFound
			}
			return fmt.Errorf("failed to load approval: %w", err)
		}
		if !approval.Status.CanTransitionTo(models.ApprovalApproved) {
			return ErrApprovalNotPending
		}

		approval.Edits = edits
		var err error
		entry, err = build(&approval)
		if err != nil {
			return err
		}
		entry.SourceApprovalID = approval.ID

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":          models.ApprovalApproved,
			"decision":        models.DecisionManual,
			"ledger_entry_id": entry.ID,
			"updated_at":      now,
		}
		if edits != nil {
			updates["edits"] = edits
		}
		result := tx.Model(&models.Approval{}).
			Where("id = ? AND status = ?", approval.ID, models.ApprovalPending).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to approve: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrApprovalNotPending
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to create ledger entry: %w", err)
		}

		approval.Status = models.ApprovalApproved
		approval.Decision = models.DecisionManual
		approval.LedgerEntryID = &entry.ID
		approval.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &approval, entry, nil
}

// Reject moves a pending approval to REJECTED
func (r *ApprovalRepository) Reject(ctx context.Context, approvalID, userID string) (*models.Approval, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.Approval{}).
		Where("id = ? AND user_id = ? AND status = ?", approvalID, userID, models.ApprovalPending).
		Updates(map[string]interface{}{
			"status":     models.ApprovalRejected,
			"decision":   models.DecisionManual,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to reject: %w", result.Error)
	}

	approval, err := r.GetByID(ctx, approvalID, userID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, ErrApprovalNotPending
	}
	return approval, nil
}

// ThreadHasApproval reports whether any message of the thread already produced an approval
func (r *ApprovalRepository) ThreadHasApproval(ctx context.Context, accountID, threadID string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Approval{}).
		Joins("JOIN message ON message.id = approval.source_message_id").
		Where("message.account_id = ? AND message.thread_id = ?", accountID, threadID).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check thread approvals: %w", result.Error)
	}
	return count > 0, nil
}

// ExistsForMessages reports whether any of the messages already has an approval
func (r *ApprovalRepository) ExistsForMessages(ctx context.Context, messageIDs []string) (bool, error) {
	if len(messageIDs) == 0 {
		return false, nil
	}
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Approval{}).
		Where("source_message_id IN ?", messageIDs).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check message approvals: %w", result.Error)
	}
	return count > 0, nil
}

// CountByStatus returns approval counts per status
func (r *ApprovalRepository) CountByStatus(ctx context.Context) (map[models.ApprovalStatus]int64, error) {
	var rows []struct {
		Status models.ApprovalStatus
		Count  int64
	}
	result := r.db.WithContext(ctx).Model(&models.Approval{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count approvals: %w", result.Error)
	}
	counts := make(map[models.ApprovalStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
