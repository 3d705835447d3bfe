package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/models"
)

type fakeLister struct {
	due     []models.MailboxAccount
	err     error
	cutoffs []time.Time
}

func (f *fakeLister) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]models.MailboxAccount, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.due, f.err
}

type fakeScheduler struct {
	syncs     []string
	watchdogs int
	stats     int
	ledger    int
}

func (s *fakeScheduler) ScheduleSync(ctx context.Context, accountID string) error {
	s.syncs = append(s.syncs, accountID)
	return nil
}

func (s *fakeScheduler) ScheduleWatchdog(ctx context.Context) error {
	s.watchdogs++
	return nil
}

func (s *fakeScheduler) ScheduleStats(ctx context.Context) error {
	s.stats++
	return nil
}

func (s *fakeScheduler) ScheduleLedgerDispatch(ctx context.Context) error {
	s.ledger++
	return nil
}

func TestTick_SchedulesDueAccountsAndPeriodicTasks(t *testing.T) {
	lister := &fakeLister{due: []models.MailboxAccount{{ID: "acc-1"}, {ID: "acc-2"}}}
	sched := &fakeScheduler{}
	w := New(lister, sched, Config{
		SyncInterval:     15 * time.Minute,
		WatchdogInterval: 5 * time.Minute,
		StatsInterval:    time.Minute,
	}, zap.NewNop())

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	w.Tick(ctx)
	assert.Equal(t, []string{"acc-1", "acc-2"}, sched.syncs)
	require.Len(t, lister.cutoffs, 1)
	assert.Equal(t, now.Add(-15*time.Minute), lister.cutoffs[0])
	assert.Equal(t, 1, sched.watchdogs)
	assert.Equal(t, 1, sched.stats)
	// zero interval disables the task
	assert.Equal(t, 0, sched.ledger)

	now = now.Add(2 * time.Minute)
	w.Tick(ctx)
	assert.Equal(t, 1, sched.watchdogs)
	assert.Equal(t, 2, sched.stats)

	now = now.Add(3 * time.Minute)
	w.Tick(ctx)
	assert.Equal(t, 2, sched.watchdogs)
	assert.Equal(t, 3, sched.stats)
}

func TestTick_ListFailureStillRunsPeriodicTasks(t *testing.T) {
	lister := &fakeLister{err: errors.New("db down")}
	sched := &fakeScheduler{}
	w := New(lister, sched, Config{SyncInterval: time.Minute, LedgerInterval: time.Minute}, zap.NewNop())

	w.Tick(context.Background())
	assert.Empty(t, sched.syncs)
	assert.Equal(t, 1, sched.ledger)
}

func TestTick_NoSyncIntervalSkipsListing(t *testing.T) {
	lister := &fakeLister{}
	w := New(lister, &fakeScheduler{}, Config{}, zap.NewNop())

	w.Tick(context.Background())
	assert.Empty(t, lister.cutoffs)
}

func TestStart_StopsOnCancel(t *testing.T) {
	sched := &fakeScheduler{}
	w := New(&fakeLister{}, sched, Config{PollInterval: time.Hour, StatsInterval: time.Minute}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
