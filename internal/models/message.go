package models

import "time"

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"   // Ingested, extraction not done yet
	MessageStatusProcessed MessageStatus = "processed" // Extraction finished (possibly empty)
	MessageStatusFailed    MessageStatus = "failed"    // Extraction gave up after retries
)

// Message is one ingested mailbox item. Rows are never deleted.
type Message struct {
	ID                string        `gorm:"column:id;primaryKey" json:"id"`
	AccountID         string        `gorm:"column:account_id;not null;uniqueIndex:idx_message_account_provider" json:"account_id"`
	ProviderMessageID string        `gorm:"column:provider_message_id;not null;uniqueIndex:idx_message_account_provider" json:"provider_message_id"`
	ThreadID          *string       `gorm:"column:thread_id;index" json:"thread_id,omitempty"`
	Subject           string        `gorm:"column:subject" json:"subject"`
	Sender            string        `gorm:"column:sender" json:"sender"`
	ReceivedAt        time.Time     `gorm:"column:received_at;index" json:"received_at"`
	HasAttachments    bool          `gorm:"column:has_attachments" json:"has_attachments"`
	Status            MessageStatus `gorm:"column:status;index;not null;default:pending" json:"status"`
	Attempts          int           `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError         *string       `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt         time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"column:updated_at" json:"updated_at"`
	ProcessedAt       *time.Time    `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

// TableName specifies the table name for GORM
func (Message) TableName() string {
	return "message"
}
