package models

import "time"

// SyncState is the per-account sync state machine position
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
)

// CanStartSync reports whether a sync may be claimed from state s
func (s SyncState) CanStartSync() bool {
	switch s {
	case SyncStateIdle:
		return true
	case SyncStateSyncing:
		return false
	default:
		return false
	}
}

// MailboxAccount represents one connected mailbox
type MailboxAccount struct {
	ID                   string     `gorm:"column:id;primaryKey" json:"id"`
	UserID               string     `gorm:"column:user_id;index;not null" json:"user_id"`
	Address              string     `gorm:"column:address;not null" json:"address"`
	Credentials          string     `gorm:"column:credentials;not null" json:"-"`
	Active               bool       `gorm:"column:active;not null;default:true" json:"active"`
	SyncState            SyncState  `gorm:"column:sync_state;index;not null;default:idle" json:"sync_state"`
	SyncJobID            *string    `gorm:"column:sync_job_id" json:"sync_job_id,omitempty"`
	LastAttemptedSyncAt  *time.Time `gorm:"column:last_attempted_sync_at" json:"last_attempted_sync_at,omitempty"`
	LastSuccessfulSyncAt *time.Time `gorm:"column:last_successful_sync_at" json:"last_successful_sync_at,omitempty"`
	ErrorCount           int        `gorm:"column:error_count;not null;default:0" json:"error_count"`
	LastError            *string    `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt            time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (MailboxAccount) TableName() string {
	return "mailbox_account"
}
