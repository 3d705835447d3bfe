package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/models"
	"github.com/vipul43/kiwis-ledger/internal/worker"
)

func testEntry() *models.LedgerEntry {
	category := "food"
	return &models.LedgerEntry{
		ID:               "entry-1",
		UserID:           "user-1",
		SourceApprovalID: "approval-1",
		Date:             time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Merchant:         "Daraz",
		Amount:           decimal.RequireFromString("1250.5"),
		Currency:         "NPR",
		Category:         &category,
		Confidence:       0.91,
	}
}

func TestClient_CreateEntry(t *testing.T) {
	var got Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/entries", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "approval-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ext-42"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "secret", time.Second)
	id, err := client.CreateEntry(context.Background(), EntryFromModel(testEntry()))
	require.NoError(t, err)
	assert.Equal(t, "ext-42", id)
	assert.Equal(t, "2024-03-05", got.Date)
	assert.Equal(t, "1250.50", got.Amount)
	assert.Equal(t, "Daraz", got.Merchant)
	require.NotNil(t, got.Category)
	assert.Equal(t, "food", *got.Category)
}

func TestClient_CreateEntry_ErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "", time.Second).CreateEntry(context.Background(), EntryFromModel(testEntry()))
			require.Error(t, err)
			assert.Equal(t, tt.retryable, errs.Retryable(err))
		})
	}
}

func TestClient_CreateEntry_ConflictReturnsExistingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"id":"ext-1"}`))
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL, "", time.Second).CreateEntry(context.Background(), EntryFromModel(testEntry()))
	require.NoError(t, err)
	assert.Equal(t, "ext-1", id)
}

type failedMark struct {
	id   string
	next *time.Time
}

type fakeEntries struct {
	due       []models.LedgerEntry
	delivered map[string]string
	failed    []failedMark
}

func (f *fakeEntries) ListDeliverable(ctx context.Context, now time.Time, limit int) ([]models.LedgerEntry, error) {
	return f.due, nil
}

func (f *fakeEntries) MarkDelivered(ctx context.Context, entryID, externalID string) error {
	if f.delivered == nil {
		f.delivered = map[string]string{}
	}
	f.delivered[entryID] = externalID
	return nil
}

func (f *fakeEntries) MarkAttemptFailed(ctx context.Context, entryID, lastError string, nextAttempt *time.Time) error {
	f.failed = append(f.failed, failedMark{id: entryID, next: nextAttempt})
	return nil
}

type fakeCreator struct {
	createFunc func(ctx context.Context, entry Entry) (string, error)
}

func (f *fakeCreator) CreateEntry(ctx context.Context, entry Entry) (string, error) {
	return f.createFunc(ctx, entry)
}

func newTestDispatcher(repo *fakeEntries, creator EntryCreator, now time.Time) *Dispatcher {
	d := NewDispatcher(repo, creator, worker.RetryPolicy{MaxAttempts: 3, Base: time.Minute, Max: time.Hour}, 10, zap.NewNop())
	d.now = func() time.Time { return now }
	return d
}

func TestDispatcher_DeliversEntries(t *testing.T) {
	repo := &fakeEntries{due: []models.LedgerEntry{*testEntry()}}
	creator := &fakeCreator{createFunc: func(ctx context.Context, entry Entry) (string, error) {
		return "ext-" + entry.SourceApprovalID, nil
	}}

	n, err := newTestDispatcher(repo, creator, time.Now()).DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "ext-approval-1", repo.delivered["entry-1"])
	assert.Empty(t, repo.failed)
}

func TestDispatcher_TransientFailureSchedulesRetry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	entry := testEntry()
	entry.DeliveryAttempts = 1
	repo := &fakeEntries{due: []models.LedgerEntry{*entry}}
	creator := &fakeCreator{createFunc: func(ctx context.Context, entry Entry) (string, error) {
		return "", errs.Transient("test", errors.New("503"))
	}}

	n, err := newTestDispatcher(repo, creator, now).DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.Len(t, repo.failed, 1)
	require.NotNil(t, repo.failed[0].next)
	// second attempt failed, so the next wait is Base*2
	assert.Equal(t, now.Add(2*time.Minute), *repo.failed[0].next)
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	entry := testEntry()
	entry.DeliveryAttempts = 2
	repo := &fakeEntries{due: []models.LedgerEntry{*entry}}
	creator := &fakeCreator{createFunc: func(ctx context.Context, entry Entry) (string, error) {
		return "", errs.Transient("test", errors.New("503"))
	}}

	_, err := newTestDispatcher(repo, creator, time.Now()).DispatchPending(context.Background())
	require.NoError(t, err)
	require.Len(t, repo.failed, 1)
	assert.Nil(t, repo.failed[0].next)
}

func TestDispatcher_PermanentFailureGivesUp(t *testing.T) {
	repo := &fakeEntries{due: []models.LedgerEntry{*testEntry()}}
	creator := &fakeCreator{createFunc: func(ctx context.Context, entry Entry) (string, error) {
		return "", errs.Validation("test", "bad amount")
	}}

	_, err := newTestDispatcher(repo, creator, time.Now()).DispatchPending(context.Background())
	require.NoError(t, err)
	require.Len(t, repo.failed, 1)
	assert.Nil(t, repo.failed[0].next)
}

func TestDispatcher_NilClientIsNoop(t *testing.T) {
	repo := &fakeEntries{due: []models.LedgerEntry{*testEntry()}}
	n, err := NewDispatcher(repo, nil, worker.RetryPolicy{MaxAttempts: 3}, 0, zap.NewNop()).DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, repo.delivered)
}
