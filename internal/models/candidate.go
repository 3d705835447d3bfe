package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// CandidateSource tags where extracted fields came from
type CandidateSource string

const (
	SourceEmail  CandidateSource = "email"
	SourceThread CandidateSource = "thread"
	SourceOCR    CandidateSource = "ocr"
)

// ExtractionCandidate holds the raw field candidates pulled out of one message, thread or receipt.
// Each slice is deduplicated and keeps the order in which its patterns matched.
type ExtractionCandidate struct {
	Amounts        []string        `json:"amounts"`
	Dates          []string        `json:"dates"`
	Merchants      []string        `json:"merchants"`
	TransactionIDs []string        `json:"transaction_ids"`
	Source         CandidateSource `json:"source"`
	Preview        string          `json:"preview,omitempty"`
}

// HasMeaningfulData reports whether an amount, merchant or transaction id was extracted
func (c ExtractionCandidate) HasMeaningfulData() bool {
	return len(c.Amounts) > 0 || len(c.Merchants) > 0 || len(c.TransactionIDs) > 0
}

// IsComplete reports whether amount, merchant and date are all present
func (c ExtractionCandidate) IsComplete() bool {
	return len(c.Amounts) > 0 && len(c.Merchants) > 0 && len(c.Dates) > 0
}

// Value implements driver.Valuer so the candidate is stored as a JSON column
func (c ExtractionCandidate) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for the JSON column
func (c *ExtractionCandidate) Scan(value interface{}) error {
	if value == nil {
		*c = ExtractionCandidate{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("candidate: unsupported column type")
	}
	return json.Unmarshal(raw, c)
}
