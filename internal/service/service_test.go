package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vipul43/kiwis-ledger/internal/classifier"
	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/models"
	"github.com/vipul43/kiwis-ledger/internal/repository"
	"github.com/vipul43/kiwis-ledger/internal/rules"
	"github.com/vipul43/kiwis-ledger/internal/vault"
)

// fakeProvider serves a fixed mailbox. Page tokens are offsets into refs.
type fakeProvider struct {
	mu          sync.Mutex
	refs        []MessageRef
	metadata    map[string]*MessageMetadata
	contents    map[string]*MessageContent
	listErr     error
	getErr      error
	listErrAt   int // call number that fails with listErr, 0 fails every call
	refreshFunc func(ctx context.Context, refreshToken string) (*Token, error)

	listCalls     int
	metadataCalls int
	lastQuery     string
	pageSizes     []int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		metadata: make(map[string]*MessageMetadata),
		contents: make(map[string]*MessageContent),
	}
}

func (f *fakeProvider) addMessage(id, threadID, sender, subject, body string, receivedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta := MessageMetadata{ID: id, ThreadID: threadID, Sender: sender, Subject: subject, ReceivedAt: receivedAt}
	f.refs = append(f.refs, MessageRef{ID: id, ThreadID: threadID})
	f.metadata[id] = &meta
	f.contents[id] = &MessageContent{MessageMetadata: meta, BodyText: body}
}

func (f *fakeProvider) ListMessageIDs(ctx context.Context, accessToken, query string, pageSize int, pageToken string) (*MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.lastQuery = query
	f.pageSizes = append(f.pageSizes, pageSize)
	if f.listErr != nil && (f.listErrAt == 0 || f.listCalls == f.listErrAt) {
		return nil, f.listErr
	}

	start := 0
	if pageToken != "" {
		start, _ = strconv.Atoi(pageToken)
	}
	end := start + pageSize
	if end > len(f.refs) {
		end = len(f.refs)
	}
	page := &MessagePage{Refs: append([]MessageRef(nil), f.refs[start:end]...)}
	if end < len(f.refs) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeProvider) GetMessageMetadata(ctx context.Context, accessToken, messageID string) (*MessageMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataCalls++
	meta, ok := f.metadata[messageID]
	if !ok {
		return nil, errs.NotFound("fake.GetMessageMetadata", errors.New("not found"))
	}
	return meta, nil
}

func (f *fakeProvider) GetMessage(ctx context.Context, accessToken, messageID string) (*MessageContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	content, ok := f.contents[messageID]
	if !ok {
		return nil, errs.NotFound("fake.GetMessage", errors.New("not found"))
	}
	return content, nil
}

func (f *fakeProvider) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	if f.refreshFunc == nil {
		return nil, errs.Credential("fake.RefreshToken", errors.New("refresh not configured"))
	}
	return f.refreshFunc(ctx, refreshToken)
}

type recordingScheduler struct {
	mu    sync.Mutex
	syncs []string
	units []ExtractionUnit
	err   error
}

func (s *recordingScheduler) ScheduleSync(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.syncs = append(s.syncs, accountID)
	return nil
}

func (s *recordingScheduler) ScheduleExtraction(ctx context.Context, unit ExtractionUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.units = append(s.units, unit)
	return nil
}

type prefilterFunc func(sender, subject string) bool

func (f prefilterFunc) ShouldProcess(sender, subject string) bool { return f(sender, subject) }

type classifierFunc func(sender, subject, body string) classifier.Result

func (f classifierFunc) Classify(sender, subject, body string) classifier.Result {
	return f(sender, subject, body)
}

type extractorFunc func(text string) models.ExtractionCandidate

func (f extractorFunc) Extract(text string) models.ExtractionCandidate { return f(text) }

type deciderFunc func(in rules.Input) rules.Outcome

func (f deciderFunc) Decide(in rules.Input) rules.Outcome { return f(in) }

type testEnv struct {
	db          *gorm.DB
	accounts    *repository.AccountRepository
	messages    *repository.MessageRepository
	approvals   *repository.ApprovalRepository
	entries     *repository.LedgerEntryRepository
	vault       *vault.Vault
	provider    *fakeProvider
	scheduler   *recordingScheduler
	credentials *CredentialManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.MailboxAccount{}, &models.Message{}, &models.Approval{}, &models.LedgerEntry{}))

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.NewFromBase64(key)
	require.NoError(t, err)

	env := &testEnv{
		db:        db,
		accounts:  repository.NewAccountRepository(db),
		messages:  repository.NewMessageRepository(db),
		approvals: repository.NewApprovalRepository(db),
		entries:   repository.NewLedgerEntryRepository(db),
		vault:     v,
		provider:  newFakeProvider(),
		scheduler: &recordingScheduler{},
	}
	env.credentials = NewCredentialManager(env.vault, env.accounts, env.provider, zap.NewNop())
	return env
}

// seedAccount stores an idle account holding an access token valid for an hour
func (e *testEnv) seedAccount(t *testing.T, userID string) *models.MailboxAccount {
	t.Helper()
	blob, err := e.vault.Encrypt(map[string]string{
		CredAccessToken:  "access-token",
		CredRefreshToken: "refresh-token",
		CredExpiry:       time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	account := &models.MailboxAccount{
		ID:          uuid.NewString(),
		UserID:      userID,
		Address:     "me@example.com",
		Credentials: blob,
	}
	require.NoError(t, e.accounts.Create(context.Background(), account))
	return account
}

func (e *testEnv) seedMessage(t *testing.T, accountID, providerID, threadID string, receivedAt time.Time) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		ProviderMessageID: providerID,
		Subject:           "subject " + providerID,
		Sender:            "alerts@esewa.com.np",
		ReceivedAt:        receivedAt,
		Status:            models.MessageStatusPending,
	}
	if threadID != "" {
		msg.ThreadID = &threadID
	}
	created, err := e.messages.Ingest(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, created)
	return msg
}

func (e *testEnv) reloadAccount(t *testing.T, id string) *models.MailboxAccount {
	t.Helper()
	account, err := e.accounts.GetByID(context.Background(), id)
	require.NoError(t, err)
	return account
}

func (e *testEnv) reloadMessage(t *testing.T, id string) *models.Message {
	t.Helper()
	msg, err := e.messages.GetByID(context.Background(), id)
	require.NoError(t, err)
	return msg
}
