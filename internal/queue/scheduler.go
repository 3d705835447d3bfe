package queue

import (
	"context"
	"time"

	"github.com/vipul43/kiwis-ledger/internal/service"
)

// Scheduler turns work requests into tasks on a Dispatcher
type Scheduler struct {
	dispatcher Dispatcher
	window     time.Duration
	now        func() time.Time
}

var _ service.Scheduler = (*Scheduler)(nil)

// NewScheduler creates a scheduler. window bounds how long identical requests collapse into one task.
func NewScheduler(dispatcher Dispatcher, window time.Duration) *Scheduler {
	return &Scheduler{
		dispatcher: dispatcher,
		window:     window,
		now:        time.Now,
	}
}

func (s *Scheduler) ScheduleSync(ctx context.Context, accountID string) error {
	task, err := NewSyncTask(accountID)
	if err != nil {
		return err
	}
	return s.dispatcher.Dispatch(ctx, task, TaskID(TypeSyncAccount, accountID, s.window, s.now()))
}

func (s *Scheduler) ScheduleExtraction(ctx context.Context, unit service.ExtractionUnit) error {
	task, err := NewExtractionTask(unit)
	if err != nil {
		return err
	}
	return s.dispatcher.Dispatch(ctx, task, TaskID(task.Type(), unit.Key(), s.window, s.now()))
}

func (s *Scheduler) ScheduleWatchdog(ctx context.Context) error {
	return s.scheduleMaintenance(ctx, TypeWatchdog)
}

func (s *Scheduler) ScheduleStats(ctx context.Context) error {
	return s.scheduleMaintenance(ctx, TypeStats)
}

func (s *Scheduler) ScheduleLedgerDispatch(ctx context.Context) error {
	return s.scheduleMaintenance(ctx, TypeLedgerDispatch)
}

func (s *Scheduler) scheduleMaintenance(ctx context.Context, taskType string) error {
	return s.dispatcher.Dispatch(ctx, NewMaintenanceTask(taskType), TaskID(taskType, "all", s.window, s.now()))
}
