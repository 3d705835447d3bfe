package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/metrics"
	"github.com/vipul43/kiwis-ledger/internal/models"
	"github.com/vipul43/kiwis-ledger/internal/repository"
)

// AccountRepository is the account storage the sync path needs
type AccountRepository interface {
	GetByID(ctx context.Context, accountID string) (*models.MailboxAccount, error)
	ClaimSync(ctx context.Context, accountID, jobID string, now time.Time) (bool, error)
	FinishSync(ctx context.Context, accountID, jobID string, outcome repository.SyncOutcome) (bool, error)
	RecordError(ctx context.Context, accountID, message string) error
	UpdateCredentials(ctx context.Context, accountID, blob string) error
}

// MessageIngester is the message storage the sync path needs
type MessageIngester interface {
	ExistingProviderIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error)
	Ingest(ctx context.Context, msg *models.Message) (bool, error)
}

// Prefilter decides from headers alone whether a message is worth ingesting
type Prefilter interface {
	ShouldProcess(sender, subject string) bool
}

type SyncConfig struct {
	Query           string
	PageSize        int
	FetchCap        int
	InitialLookback time.Duration
	ThreadAggregate bool
}

// SyncResult summarizes one sync invocation
type SyncResult struct {
	AccountID        string
	JobID            string
	Listed           int
	Known            int
	Filtered         int
	Ingested         int
	Units            int
	ScheduleFailures int

	// Capped is set when the run stopped at the fetch cap with pages left. The watermark
	// does not move, so the next run lists the same window and continues past known mail.
	Capped bool
}

// fetched counts listed messages that were new to the store
func (r *SyncResult) fetched() int {
	return r.Listed - r.Known
}

type SyncProcessor struct {
	accounts    AccountRepository
	messages    MessageIngester
	provider    MailboxProvider
	credentials *CredentialManager
	filter      Prefilter
	scheduler   Scheduler
	cfg         SyncConfig
	logger      *zap.Logger
	now         func() time.Time
}

func NewSyncProcessor(
	accounts AccountRepository,
	messages MessageIngester,
	provider MailboxProvider,
	credentials *CredentialManager,
	filter Prefilter,
	scheduler Scheduler,
	cfg SyncConfig,
	logger *zap.Logger,
) *SyncProcessor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.FetchCap < cfg.PageSize {
		cfg.FetchCap = cfg.PageSize
	}
	if cfg.Query == "" {
		cfg.Query = "in:inbox -in:spam"
	}
	return &SyncProcessor{
		accounts:    accounts,
		messages:    messages,
		provider:    provider,
		credentials: credentials,
		filter:      filter,
		scheduler:   scheduler,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// SyncAccount claims the account, pulls new mail since the last successful sync and schedules
// extraction for what was ingested. The account always ends idle unless another job reclaimed it.
func (p *SyncProcessor) SyncAccount(ctx context.Context, accountID string) (*SyncResult, error) {
	const op = "sync.SyncAccount"

	startedAt := p.now().UTC()
	jobID := uuid.NewString()

	claimed, err := p.accounts.ClaimSync(ctx, accountID, jobID, startedAt)
	if err != nil {
		return nil, err
	}
	if !claimed {
		metrics.RecordSync("skipped", 0)
		return nil, errs.InvalidTransition(op, "account is not idle or not active")
	}

	log := p.logger.With(zap.String("account_id", accountID), zap.String("job_id", jobID))
	log.Info("Sync started")

	result := &SyncResult{AccountID: accountID, JobID: jobID}
	runErr := p.run(ctx, accountID, result, log)

	outcome := repository.SyncOutcome{Success: runErr == nil, Partial: result.Capped, StartedAt: startedAt}
	if runErr != nil {
		outcome.Error = runErr.Error()
	}

	// The account must leave the syncing state even when the job context is gone
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	finished, err := p.accounts.FinishSync(finishCtx, accountID, jobID, outcome)
	switch {
	case err != nil:
		log.Error("Failed to finish sync", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	case !finished:
		log.Warn("Sync finished after the account was reclaimed")
	}

	duration := p.now().Sub(startedAt)
	if runErr != nil {
		metrics.RecordSync("failed", duration)
		log.Warn("Sync failed", zap.Error(runErr), zap.Duration("duration", duration))
		return result, runErr
	}

	status := "success"
	if result.Capped {
		status = "capped"
	}
	metrics.RecordSync(status, duration)
	log.Info("Sync completed",
		zap.Bool("capped", result.Capped),
		zap.Int("listed", result.Listed),
		zap.Int("known", result.Known),
		zap.Int("filtered", result.Filtered),
		zap.Int("ingested", result.Ingested),
		zap.Int("units", result.Units),
		zap.Duration("duration", duration))
	return result, nil
}

// RecordExhausted records the terminal failure of an account whose sync retries ran out.
// The account is picked up again by the next scheduled sync.
func (p *SyncProcessor) RecordExhausted(ctx context.Context, accountID string, cause error) error {
	if errs.Is(cause, errs.KindInvalidStateTransition) {
		return nil
	}
	p.logger.Error("Sync retries exhausted", zap.String("account_id", accountID), zap.Error(cause))
	return p.accounts.RecordError(ctx, accountID, "retries exhausted: "+cause.Error())
}

func (p *SyncProcessor) run(ctx context.Context, accountID string, result *SyncResult, log *zap.Logger) error {
	account, err := p.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return errs.NotFound("sync.run", err)
		}
		return err
	}

	accessToken, err := p.credentials.AccessToken(ctx, account)
	if err != nil {
		return err
	}

	query := p.query(account)
	log.Debug("Listing messages", zap.String("query", query))

	ingested, listErr := p.list(ctx, account, accessToken, query, result, log)

	metrics.AddSyncMessages("known", result.Known)
	metrics.AddSyncMessages("filtered", result.Filtered)
	metrics.AddSyncMessages("ingested", result.Ingested)

	// Messages stored before a failing page are scheduled too; a retry sees them as known
	for _, unit := range BuildUnits(account.ID, ingested, p.cfg.ThreadAggregate) {
		if err := p.scheduler.ScheduleExtraction(ctx, unit); err != nil {
			// The message stays pending and the watchdog requeues it
			result.ScheduleFailures++
			log.Warn("Failed to schedule extraction", zap.String("unit", unit.Key()), zap.Error(err))
			continue
		}
		result.Units++
	}
	return listErr
}

// list walks the provider pages until the listing ends or FetchCap new messages were seen.
// Known messages do not count toward the cap.
func (p *SyncProcessor) list(ctx context.Context, account *models.MailboxAccount, accessToken, query string, result *SyncResult, log *zap.Logger) ([]*models.Message, error) {
	var ingested []*models.Message
	pageToken := ""
	for {
		pageSize := p.cfg.PageSize
		if remaining := p.cfg.FetchCap - result.fetched(); remaining < pageSize {
			pageSize = remaining
		}

		page, err := p.provider.ListMessageIDs(ctx, accessToken, query, pageSize, pageToken)
		if err != nil {
			return ingested, errs.ClassifyProvider("sync.ListMessageIDs", err)
		}
		result.Listed += len(page.Refs)

		msgs, err := p.ingestPage(ctx, account, accessToken, page.Refs, result)
		ingested = append(ingested, msgs...)
		if err != nil {
			return ingested, err
		}

		if page.NextPageToken == "" {
			return ingested, nil
		}
		if result.fetched() >= p.cfg.FetchCap {
			result.Capped = true
			log.Info("Fetch cap reached", zap.Int("fetch_cap", p.cfg.FetchCap))
			return ingested, nil
		}
		pageToken = page.NextPageToken
	}
}

func (p *SyncProcessor) ingestPage(ctx context.Context, account *models.MailboxAccount, accessToken string, refs []MessageRef, result *SyncResult) ([]*models.Message, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	known, err := p.messages.ExistingProviderIDs(ctx, account.ID, ids)
	if err != nil {
		return nil, err
	}

	var ingested []*models.Message
	for _, ref := range refs {
		if known[ref.ID] {
			result.Known++
			continue
		}

		meta, err := p.provider.GetMessageMetadata(ctx, accessToken, ref.ID)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				// Deleted between list and fetch
				continue
			}
			return ingested, errs.ClassifyProvider("sync.GetMessageMetadata", err)
		}

		if !p.filter.ShouldProcess(meta.Sender, meta.Subject) {
			result.Filtered++
			continue
		}

		msg := newMessage(account.ID, ref, meta, p.now().UTC())
		created, err := p.messages.Ingest(ctx, msg)
		if err != nil {
			return ingested, err
		}
		if created {
			result.Ingested++
			ingested = append(ingested, msg)
		}
	}
	return ingested, nil
}

// query builds the provider search, anchored on the last successful sync
func (p *SyncProcessor) query(account *models.MailboxAccount) string {
	since := p.now().Add(-p.cfg.InitialLookback)
	if account.LastSuccessfulSyncAt != nil {
		since = *account.LastSuccessfulSyncAt
	}
	return fmt.Sprintf("%s after:%d", p.cfg.Query, since.Unix())
}

func newMessage(accountID string, ref MessageRef, meta *MessageMetadata, now time.Time) *models.Message {
	msg := &models.Message{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		ProviderMessageID: ref.ID,
		Subject:           meta.Subject,
		Sender:            meta.Sender,
		ReceivedAt:        meta.ReceivedAt,
		HasAttachments:    meta.HasAttachments,
		Status:            models.MessageStatusPending,
	}
	threadID := meta.ThreadID
	if threadID == "" {
		threadID = ref.ThreadID
	}
	if threadID != "" {
		msg.ThreadID = &threadID
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	return msg
}

// BuildUnits groups freshly ingested messages into extraction units. With aggregation on, a
// message joins a thread unit when other new messages share its thread or when it is a reply
// to an earlier message (its thread id differs from its own id).
func BuildUnits(accountID string, msgs []*models.Message, aggregate bool) []ExtractionUnit {
	var units []ExtractionUnit
	if !aggregate {
		for _, msg := range msgs {
			units = append(units, ExtractionUnit{AccountID: accountID, MessageID: msg.ID})
		}
		return units
	}

	groups := make(map[string][]*models.Message)
	var order []string
	for _, msg := range msgs {
		if msg.ThreadID == nil || *msg.ThreadID == "" {
			units = append(units, ExtractionUnit{AccountID: accountID, MessageID: msg.ID})
			continue
		}
		if _, ok := groups[*msg.ThreadID]; !ok {
			order = append(order, *msg.ThreadID)
		}
		groups[*msg.ThreadID] = append(groups[*msg.ThreadID], msg)
	}

	for _, threadID := range order {
		group := groups[threadID]
		if len(group) == 1 && group[0].ProviderMessageID == threadID {
			units = append(units, ExtractionUnit{AccountID: accountID, MessageID: group[0].ID})
			continue
		}
		units = append(units, ExtractionUnit{AccountID: accountID, ThreadID: threadID})
	}
	return units
}
