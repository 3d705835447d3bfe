package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// CanTransitionTo reports whether s -> next is a legal approval transition
func (s ApprovalStatus) CanTransitionTo(next ApprovalStatus) bool {
	switch s {
	case ApprovalPending:
		return next == ApprovalApproved || next == ApprovalRejected
	case ApprovalApproved, ApprovalRejected:
		return false
	default:
		return false
	}
}

// ParseApprovalStatus parses a status filter; the empty string is rejected
func ParseApprovalStatus(s string) (ApprovalStatus, bool) {
	switch ApprovalStatus(s) {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return ApprovalStatus(s), true
	default:
		return "", false
	}
}

// Decision records which route the rules engine chose for an approval
type Decision string

const (
	DecisionAutoApprove Decision = "auto_approved"
	DecisionAutoReject  Decision = "auto_rejected"
	DecisionManual      Decision = "manual"
)

// ApprovalEdits are user corrections applied field-by-field over extracted values at approval time
type ApprovalEdits struct {
	Amount   *string `json:"amount,omitempty"`
	Merchant *string `json:"merchant,omitempty"`
	Date     *string `json:"date,omitempty"`
	Currency *string `json:"currency,omitempty"`
	Category *string `json:"category,omitempty"`
}

// Value implements driver.Valuer for the edits JSON column
func (e *ApprovalEdits) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for the edits JSON column
func (e *ApprovalEdits) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return errors.New("edits: unsupported column type")
	}
}

// Approval is one reviewable transaction
type Approval struct {
	ID              string              `gorm:"column:id;primaryKey" json:"id"`
	UserID          string              `gorm:"column:user_id;index;not null" json:"user_id"`
	SourceMessageID *string             `gorm:"column:source_message_id;uniqueIndex" json:"source_message_id,omitempty"`
	Candidate       ExtractionCandidate `gorm:"column:candidate;type:jsonb" json:"candidate"`
	Confidence      float64             `gorm:"column:confidence" json:"confidence"`
	Status          ApprovalStatus      `gorm:"column:status;index;not null" json:"status"`
	Decision        Decision            `gorm:"column:decision" json:"decision"`
	Edits           *ApprovalEdits      `gorm:"column:edits;type:jsonb" json:"edits,omitempty"`
	LedgerEntryID   *string             `gorm:"column:ledger_entry_id" json:"ledger_entry_id,omitempty"`
	CreatedAt       time.Time           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time           `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Approval) TableName() string {
	return "approval"
}
