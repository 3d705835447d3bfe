package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed" // Gave up after max attempts
)

// LedgerEntry is the ledger record materialized when an approval is approved.
// It is written in the same transaction as the approval and later forwarded to the ledger service.
type LedgerEntry struct {
	ID               string          `gorm:"column:id;primaryKey" json:"id"`
	UserID           string          `gorm:"column:user_id;index;not null" json:"user_id"`
	SourceApprovalID string          `gorm:"column:source_approval_id;uniqueIndex;not null" json:"source_approval_id"`
	Date             time.Time       `gorm:"column:date" json:"date"`
	Merchant         string          `gorm:"column:merchant" json:"merchant"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(20,2)" json:"amount"`
	Currency         string          `gorm:"column:currency" json:"currency"`
	Category         *string         `gorm:"column:category" json:"category,omitempty"`
	Confidence       float64         `gorm:"column:confidence" json:"confidence"`
	DeliveryStatus   DeliveryStatus  `gorm:"column:delivery_status;index;not null;default:pending" json:"delivery_status"`
	DeliveryAttempts int             `gorm:"column:delivery_attempts;not null;default:0" json:"delivery_attempts"`
	NextAttemptAt    *time.Time      `gorm:"column:next_attempt_at" json:"next_attempt_at,omitempty"`
	ExternalID       *string         `gorm:"column:external_id" json:"external_id,omitempty"`
	LastError        *string         `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (LedgerEntry) TableName() string {
	return "ledger_entry"
}
