package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-ledger/internal/models"
	"gorm.io/gorm"
)

var ErrAccountNotFound = errors.New("account not found")

// SyncOutcome is what a finished sync job reports back to the account row
type SyncOutcome struct {
	Success   bool
	StartedAt time.Time // becomes last_successful_sync_at on a complete success
	Error     string

	// Partial marks a success that stopped before the end of the listing. The error counters
	// reset but last_successful_sync_at stays, so the next sync lists the same window again.
	Partial bool
}

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts a newly linked account in the idle state
func (r *AccountRepository) Create(ctx context.Context, account *models.MailboxAccount) error {
	account.SyncState = models.SyncStateIdle
	account.Active = true
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetByID retrieves account by ID
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.MailboxAccount, error) {
	var account models.MailboxAccount
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// ListByUser returns the active accounts of a user, oldest first
func (r *AccountRepository) ListByUser(ctx context.Context, userID string) ([]models.MailboxAccount, error) {
	var accounts []models.MailboxAccount
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("created_at ASC").
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", result.Error)
	}
	return accounts, nil
}

// ClaimSync moves an active idle account to syncing under jobID.
// Returns false when the account is missing, inactive or already syncing.
func (r *AccountRepository) ClaimSync(ctx context.Context, accountID, jobID string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.MailboxAccount{}).
		Where("id = ? AND active = ? AND sync_state = ?", accountID, true, models.SyncStateIdle).
		Updates(map[string]interface{}{
			"sync_state":             models.SyncStateSyncing,
			"sync_job_id":            jobID,
			"last_attempted_sync_at": now,
			"updated_at":             now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim sync: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// FinishSync returns the account to idle if jobID still owns it.
// Returns false when the job was reclaimed in the meantime.
func (r *AccountRepository) FinishSync(ctx context.Context, accountID, jobID string, outcome SyncOutcome) (bool, error) {
	updates := map[string]interface{}{
		"sync_state":  models.SyncStateIdle,
		"sync_job_id": nil,
		"updated_at":  time.Now().UTC(),
	}
	if outcome.Success {
		if !outcome.Partial {
			updates["last_successful_sync_at"] = outcome.StartedAt
		}
		updates["error_count"] = 0
		updates["last_error"] = nil
	} else {
		updates["error_count"] = gorm.Expr("error_count + 1")
		updates["last_error"] = outcome.Error
	}

	result := r.db.WithContext(ctx).Model(&models.MailboxAccount{}).
		Where("id = ? AND sync_state = ? AND sync_job_id = ?", accountID, models.SyncStateSyncing, jobID).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to finish sync: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListStuck returns accounts syncing since before cutoff
func (r *AccountRepository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]models.MailboxAccount, error) {
	var accounts []models.MailboxAccount
	result := r.db.WithContext(ctx).
		Where("sync_state = ? AND last_attempted_sync_at < ?", models.SyncStateSyncing, cutoff).
		Order("last_attempted_sync_at ASC").
		Limit(limit).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query stuck accounts: %w", result.Error)
	}
	return accounts, nil
}

// ResetStuck force-resets an account still held by the observed jobID, counting one error
func (r *AccountRepository) ResetStuck(ctx context.Context, accountID, jobID, reason string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.MailboxAccount{}).
		Where("id = ? AND sync_state = ? AND sync_job_id = ?", accountID, models.SyncStateSyncing, jobID).
		Updates(map[string]interface{}{
			"sync_state":  models.SyncStateIdle,
			"sync_job_id": nil,
			"error_count": gorm.Expr("error_count + 1"),
			"last_error":  reason,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to reset stuck account: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListDue returns active idle accounts whose last attempt is before cutoff or that never synced
func (r *AccountRepository) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]models.MailboxAccount, error) {
	var accounts []models.MailboxAccount
	result := r.db.WithContext(ctx).
		Where("active = ? AND sync_state = ?", true, models.SyncStateIdle).
		Where("last_attempted_sync_at IS NULL OR last_attempted_sync_at < ?", cutoff).
		Order("last_attempted_sync_at IS NOT NULL, last_attempted_sync_at ASC").
		Limit(limit).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query due accounts: %w", result.Error)
	}
	return accounts, nil
}

// RecordError overwrites last_error without touching sync state
func (r *AccountRepository) RecordError(ctx context.Context, accountID, message string) error {
	result := r.db.WithContext(ctx).Model(&models.MailboxAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"last_error": message,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record account error: %w", result.Error)
	}
	return nil
}

// UpdateCredentials stores a re-encrypted credential blob after a token refresh
func (r *AccountRepository) UpdateCredentials(ctx context.Context, accountID, blob string) error {
	result := r.db.WithContext(ctx).Model(&models.MailboxAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"credentials": blob,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update credentials: %w", result.Error)
	}
	return nil
}

// Deactivate soft-deletes an account owned by userID
func (r *AccountRepository) Deactivate(ctx context.Context, accountID, userID string) error {
	result := r.db.WithContext(ctx).Model(&models.MailboxAccount{}).
		Where("id = ? AND user_id = ? AND active = ?", accountID, userID, true).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CountByState returns how many active accounts sit in each sync state
func (r *AccountRepository) CountByState(ctx context.Context) (map[models.SyncState]int64, error) {
	var rows []struct {
		SyncState models.SyncState
		Count     int64
	}
	result := r.db.WithContext(ctx).Model(&models.MailboxAccount{}).
		Select("sync_state, count(*) AS count").
		Where("active = ?", true).
		Group("sync_state").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", result.Error)
	}
	counts := make(map[models.SyncState]int64, len(rows))
	for _, row := range rows {
		counts[row.SyncState] = row.Count
	}
	return counts, nil
}
