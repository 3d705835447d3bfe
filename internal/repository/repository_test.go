package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vipul43/kiwis-ledger/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection so every query sees the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.MailboxAccount{}, &models.Message{}, &models.Approval{}, &models.LedgerEntry{}))
	return db
}

func createAccount(t *testing.T, repo *AccountRepository, userID string) *models.MailboxAccount {
	t.Helper()
	account := &models.MailboxAccount{
		ID:          uuid.NewString(),
		UserID:      userID,
		Address:     "user@example.com",
		Credentials: "v1.blob",
	}
	require.NoError(t, repo.Create(context.Background(), account))
	return account
}

func baseTime() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func TestAccountRepository_ConcurrentClaimHasOneWinner(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	account := createAccount(t, repo, "user-1")

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobID := uuid.NewString()
			ok, err := repo.ClaimSync(context.Background(), account.ID, jobID, baseTime())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners = append(winners, jobID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := repo.GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateSyncing, got.SyncState)
	require.NotNil(t, got.SyncJobID)
	assert.Equal(t, winners[0], *got.SyncJobID)
}

func TestAccountRepository_FinishSync(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	account := createAccount(t, repo, "user-1")
	start := baseTime()

	ok, err := repo.ClaimSync(ctx, account.ID, "job-1", start)
	require.NoError(t, err)
	require.True(t, ok)

	// a foreign job id cannot finish the sync
	ok, err = repo.FinishSync(ctx, account.ID, "job-other", SyncOutcome{Success: true, StartedAt: start})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.FinishSync(ctx, account.ID, "job-1", SyncOutcome{Success: false, Error: "boom"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateIdle, got.SyncState)
	assert.Nil(t, got.SyncJobID)
	assert.Equal(t, 1, got.ErrorCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)
	assert.Nil(t, got.LastSuccessfulSyncAt)
	require.NotNil(t, got.LastAttemptedSyncAt)

	ok, err = repo.ClaimSync(ctx, account.ID, "job-2", start.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.FinishSync(ctx, account.ID, "job-2", SyncOutcome{Success: true, StartedAt: start.Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, ok)

	got, err = repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ErrorCount)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.LastSuccessfulSyncAt)
	assert.True(t, start.Add(time.Minute).Equal(*got.LastSuccessfulSyncAt))
}

func TestAccountRepository_FinishSyncPartialKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	account := createAccount(t, repo, "user-1")
	start := baseTime()

	ok, err := repo.ClaimSync(ctx, account.ID, "job-1", start)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.FinishSync(ctx, account.ID, "job-1", SyncOutcome{Success: true, StartedAt: start})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.ClaimSync(ctx, account.ID, "job-2", start.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.FinishSync(ctx, account.ID, "job-2", SyncOutcome{Success: false, Error: "boom"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.ClaimSync(ctx, account.ID, "job-3", start.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.FinishSync(ctx, account.ID, "job-3", SyncOutcome{Success: true, Partial: true, StartedAt: start.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateIdle, got.SyncState)
	assert.Equal(t, 0, got.ErrorCount)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.LastSuccessfulSyncAt)
	assert.True(t, start.Equal(*got.LastSuccessfulSyncAt))
}

func TestAccountRepository_ResetStuckCountsOneError(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	account := createAccount(t, repo, "user-1")
	now := baseTime()

	ok, err := repo.ClaimSync(ctx, account.ID, "job-1", now.Add(-31*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	fresh := createAccount(t, repo, "user-2")
	ok, err = repo.ClaimSync(ctx, fresh.ID, "job-fresh", now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	stuck, err := repo.ListStuck(ctx, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, account.ID, stuck[0].ID)

	ok, err = repo.ResetStuck(ctx, account.ID, "job-1", "sync stuck")
	require.NoError(t, err)
	assert.True(t, ok)

	// a second sweep observing the same job changes nothing
	ok, err = repo.ResetStuck(ctx, account.ID, "job-1", "sync stuck")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateIdle, got.SyncState)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Nil(t, got.SyncJobID)
}

func TestAccountRepository_ListDueAndDeactivate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	now := baseTime()

	never := createAccount(t, repo, "user-1")
	old := createAccount(t, repo, "user-1")
	recent := createAccount(t, repo, "user-1")

	for id, at := range map[string]time.Time{old.ID: now.Add(-2 * time.Hour), recent.ID: now.Add(-time.Minute)} {
		ok, err := repo.ClaimSync(ctx, id, "job-"+id, at)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = repo.FinishSync(ctx, id, "job-"+id, SyncOutcome{Success: true, StartedAt: at})
		require.NoError(t, err)
		require.True(t, ok)
	}

	due, err := repo.ListDue(ctx, now.Add(-15*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, never.ID, due[0].ID)
	assert.Equal(t, old.ID, due[1].ID)

	require.NoError(t, repo.Deactivate(ctx, never.ID, "user-1"))
	assert.ErrorIs(t, repo.Deactivate(ctx, never.ID, "user-1"), ErrAccountNotFound)
	assert.ErrorIs(t, repo.Deactivate(ctx, old.ID, "someone-else"), ErrAccountNotFound)

	ok, err := repo.ClaimSync(ctx, never.ID, "job-x", now)
	require.NoError(t, err)
	assert.False(t, ok, "inactive accounts cannot be claimed")

	accounts, err := repo.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	counts, err := repo.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.SyncStateIdle])
}

func TestMessageRepository_IngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewMessageRepository(db)

	newMsg := func() *models.Message {
		return &models.Message{
			ID:                uuid.NewString(),
			AccountID:         "acc-1",
			ProviderMessageID: "gmail-123",
			Subject:           "Payment receipt",
			Sender:            "alerts@esewa.com.np",
			ReceivedAt:        baseTime(),
		}
	}

	inserted, err := repo.Ingest(ctx, newMsg())
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Ingest(ctx, newMsg())
	require.NoError(t, err)
	assert.False(t, inserted)

	var count int64
	require.NoError(t, db.Model(&models.Message{}).Where("account_id = ? AND provider_message_id = ?", "acc-1", "gmail-123").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// same provider id on another account is a different message
	other := newMsg()
	other.AccountID = "acc-2"
	inserted, err = repo.Ingest(ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted)

	known, err := repo.ExistingProviderIDs(ctx, "acc-1", []string{"gmail-123", "gmail-999"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"gmail-123": true}, known)
}

func TestMessageRepository_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewMessageRepository(db)

	msg := &models.Message{ID: uuid.NewString(), AccountID: "acc-1", ProviderMessageID: "p-1", ReceivedAt: baseTime()}
	_, err := repo.Ingest(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, repo.IncrementAttempts(ctx, msg.ID))
	require.NoError(t, repo.MarkFailed(ctx, "timeout", msg.ID))
	got, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)

	require.NoError(t, repo.MarkProcessed(ctx, msg.ID))
	// processed is final for the failure path
	require.NoError(t, repo.MarkFailed(ctx, "late failure", msg.ID))
	got, err = repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusProcessed, got.Status)
	assert.Nil(t, got.LastError)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.MessageStatusProcessed])
}

func newPendingApproval(userID string, sourceMessageID *string) *models.Approval {
	return &models.Approval{
		ID:              uuid.NewString(),
		UserID:          userID,
		SourceMessageID: sourceMessageID,
		Candidate: models.ExtractionCandidate{
			Amounts:   []string{"500"},
			Merchants: []string{"eSewa"},
			Source:    models.SourceEmail,
		},
		Confidence: 0.6,
		Status:     models.ApprovalPending,
		Decision:   models.DecisionManual,
	}
}

func buildEntry(a *models.Approval) (*models.LedgerEntry, error) {
	return &models.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         a.UserID,
		Date:           baseTime(),
		Merchant:       a.Candidate.Merchants[0],
		Amount:         decimal.RequireFromString(a.Candidate.Amounts[0]),
		Currency:       "NPR",
		Confidence:     a.Confidence,
		DeliveryStatus: models.DeliveryPending,
	}, nil
}

func TestApprovalRepository_ApproveThenRejectFails(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewApprovalRepository(db)

	approval := newPendingApproval("user-1", nil)
	created, err := repo.Create(ctx, approval)
	require.NoError(t, err)
	require.True(t, created)

	approved, entry, err := repo.Approve(ctx, approval.ID, "user-1", nil, buildEntry)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, approved.Status)
	require.NotNil(t, approved.LedgerEntryID)
	assert.Equal(t, entry.ID, *approved.LedgerEntryID)
	assert.Equal(t, approval.ID, entry.SourceApprovalID)

	before, err := repo.GetByID(ctx, approval.ID, "user-1")
	require.NoError(t, err)

	_, err = repo.Reject(ctx, approval.ID, "user-1")
	assert.ErrorIs(t, err, ErrApprovalNotPending)

	_, _, err = repo.Approve(ctx, approval.ID, "user-1", nil, buildEntry)
	assert.ErrorIs(t, err, ErrApprovalNotPending)

	after, err := repo.GetByID(ctx, approval.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)

	var entries int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).Count(&entries).Error)
	assert.Equal(t, int64(1), entries)
}

func TestApprovalRepository_Reject(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewApprovalRepository(db)

	approval := newPendingApproval("user-1", nil)
	_, err := repo.Create(ctx, approval)
	require.NoError(t, err)

	_, err = repo.Reject(ctx, approval.ID, "user-2")
	assert.ErrorIs(t, err, ErrApprovalNotFound)

	rejected, err := repo.Reject(ctx, approval.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, rejected.Status)

	_, _, err = repo.Approve(ctx, approval.ID, "user-1", nil, buildEntry)
	assert.ErrorIs(t, err, ErrApprovalNotPending)

	var entries int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).Count(&entries).Error)
	assert.Zero(t, entries)
}

func TestApprovalRepository_CreateApprovedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewApprovalRepository(db)
	source := "msg-1"

	for i := 0; i < 2; i++ {
		approval := newPendingApproval("user-1", &source)
		approval.Decision = models.DecisionAutoApprove
		entry, err := buildEntry(approval)
		require.NoError(t, err)

		created, err := repo.CreateApproved(ctx, approval, entry)
		require.NoError(t, err)
		assert.Equal(t, i == 0, created)
	}

	var approvals, entries int64
	require.NoError(t, db.Model(&models.Approval{}).Count(&approvals).Error)
	require.NoError(t, db.Model(&models.LedgerEntry{}).Count(&entries).Error)
	assert.Equal(t, int64(1), approvals)
	assert.Equal(t, int64(1), entries)
}

func TestApprovalRepository_ThreadHasApproval(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	messages := NewMessageRepository(db)
	approvals := NewApprovalRepository(db)
	threadID := "thread-1"

	first := &models.Message{ID: uuid.NewString(), AccountID: "acc-1", ProviderMessageID: "p-1", ThreadID: &threadID, ReceivedAt: baseTime()}
	second := &models.Message{ID: uuid.NewString(), AccountID: "acc-1", ProviderMessageID: "p-2", ThreadID: &threadID, ReceivedAt: baseTime().Add(time.Minute)}
	for _, m := range []*models.Message{first, second} {
		_, err := messages.Ingest(ctx, m)
		require.NoError(t, err)
	}

	has, err := approvals.ThreadHasApproval(ctx, "acc-1", threadID)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = approvals.Create(ctx, newPendingApproval("user-1", &first.ID))
	require.NoError(t, err)

	has, err = approvals.ThreadHasApproval(ctx, "acc-1", threadID)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = approvals.ExistsForMessages(ctx, []string{second.ID})
	require.NoError(t, err)
	assert.False(t, has)

	thread, err := messages.ListThread(ctx, "acc-1", threadID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, first.ID, thread[0].ID)
}

func TestApprovalRepository_ListByUser(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewApprovalRepository(db)

	a := newPendingApproval("user-1", nil)
	b := newPendingApproval("user-1", nil)
	c := newPendingApproval("user-2", nil)
	for _, ap := range []*models.Approval{a, b, c} {
		_, err := repo.Create(ctx, ap)
		require.NoError(t, err)
	}
	_, err := repo.Reject(ctx, b.ID, "user-1")
	require.NoError(t, err)

	all, err := repo.ListByUser(ctx, "user-1", nil, 50, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending := models.ApprovalPending
	onlyPending, err := repo.ListByUser(ctx, "user-1", &pending, 50, 0)
	require.NoError(t, err)
	require.Len(t, onlyPending, 1)
	assert.Equal(t, a.ID, onlyPending[0].ID)
	assert.Equal(t, []string{"500"}, onlyPending[0].Candidate.Amounts)
}

func TestLedgerEntryRepository_Delivery(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	approvals := NewApprovalRepository(db)
	entries := NewLedgerEntryRepository(db)
	now := baseTime()

	approval := newPendingApproval("user-1", nil)
	_, err := approvals.Create(ctx, approval)
	require.NoError(t, err)
	_, entry, err := approvals.Approve(ctx, approval.ID, "user-1", nil, buildEntry)
	require.NoError(t, err)

	due, err := entries.ListDeliverable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, decimal.NewFromInt(500).Equal(due[0].Amount))

	next := now.Add(time.Minute)
	require.NoError(t, entries.MarkAttemptFailed(ctx, entry.ID, "503", &next))
	due, err = entries.ListDeliverable(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = entries.ListDeliverable(ctx, next, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, entries.MarkDelivered(ctx, entry.ID, "ext-1"))
	got, err := entries.GetBySourceApproval(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, got.DeliveryStatus)
	assert.Equal(t, 2, got.DeliveryAttempts)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, "ext-1", *got.ExternalID)

	counts, err := entries.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.DeliveryDelivered])
}
