// Package queue defines the pipeline's work units as asynq tasks and the two executors that run them.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vipul43/kiwis-ledger/internal/service"
)

const (
	TypeSyncAccount    = "sync:account"
	TypeExtractMessage = "extract:message"
	TypeExtractThread  = "extract:thread"
	TypeWatchdog       = "maintenance:watchdog"
	TypeStats          = "maintenance:stats"
	TypeLedgerDispatch = "ledger:dispatch"
)

const (
	QueueSync        = "sync"
	QueueExtract     = "extract"
	QueueMaintenance = "maintenance"
)

// Queues is the asynq queue priority map
var Queues = map[string]int{
	QueueExtract:     6,
	QueueSync:        3,
	QueueMaintenance: 1,
}

type SyncPayload struct {
	AccountID string `json:"account_id"`
}

// QueueFor returns the queue a task type is routed to
func QueueFor(taskType string) string {
	switch taskType {
	case TypeSyncAccount:
		return QueueSync
	case TypeExtractMessage, TypeExtractThread:
		return QueueExtract
	default:
		return QueueMaintenance
	}
}

func NewSyncTask(accountID string) (*asynq.Task, error) {
	payload, err := json.Marshal(SyncPayload{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSyncAccount, payload), nil
}

func NewExtractionTask(unit service.ExtractionUnit) (*asynq.Task, error) {
	payload, err := json.Marshal(unit)
	if err != nil {
		return nil, err
	}
	taskType := TypeExtractMessage
	if unit.IsThread() {
		taskType = TypeExtractThread
	}
	return asynq.NewTask(taskType, payload), nil
}

func NewMaintenanceTask(taskType string) *asynq.Task {
	return asynq.NewTask(taskType, nil)
}

// TaskID derives a dedup id for a task. Enqueues of the same key inside one window share an id.
func TaskID(taskType, key string, window time.Duration, now time.Time) string {
	if window <= 0 {
		return fmt.Sprintf("%s:%s", taskType, key)
	}
	return fmt.Sprintf("%s:%s:%d", taskType, key, now.Truncate(window).Unix())
}
