package service

import "context"

// ExtractionUnit is one piece of extraction work: a single message, or a whole thread when
// ThreadID is set
type ExtractionUnit struct {
	AccountID string `json:"account_id"`
	MessageID string `json:"message_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// IsThread reports whether the unit covers a thread
func (u ExtractionUnit) IsThread() bool {
	return u.ThreadID != ""
}

// Key identifies the unit for deduplication
func (u ExtractionUnit) Key() string {
	if u.IsThread() {
		return u.AccountID + ":thread:" + u.ThreadID
	}
	return u.AccountID + ":message:" + u.MessageID
}

// Scheduler hands work units to whichever executor backs the process
type Scheduler interface {
	ScheduleSync(ctx context.Context, accountID string) error
	ScheduleExtraction(ctx context.Context, unit ExtractionUnit) error
}
