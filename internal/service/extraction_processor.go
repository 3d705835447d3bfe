package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/classifier"
	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/metrics"
	"github.com/vipul43/kiwis-ledger/internal/models"
	"github.com/vipul43/kiwis-ledger/internal/repository"
	"github.com/vipul43/kiwis-ledger/internal/rules"
	"github.com/vipul43/kiwis-ledger/internal/thread"
)

type MessageRepository interface {
	GetByID(ctx context.Context, messageID string) (*models.Message, error)
	ListThread(ctx context.Context, accountID, threadID string) ([]models.Message, error)
	MarkProcessed(ctx context.Context, messageIDs ...string) error
	MarkFailed(ctx context.Context, lastError string, messageIDs ...string) error
	IncrementAttempts(ctx context.Context, messageIDs ...string) error
}

type AccountLookup interface {
	GetByID(ctx context.Context, accountID string) (*models.MailboxAccount, error)
}

type Classifier interface {
	Classify(sender, subject, body string) classifier.Result
}

type Extractor interface {
	Extract(text string) models.ExtractionCandidate
}

type ExtractionConfig struct {
	// MaxAttempts bounds how often a message is picked up before it is marked failed
	MaxAttempts int
}

// ExtractionProcessor runs classification, extraction and routing for one work unit
type ExtractionProcessor struct {
	accounts    AccountLookup
	messages    MessageRepository
	approvals   *ApprovalService
	store       ApprovalRepository
	provider    MailboxProvider
	credentials *CredentialManager
	classifier  Classifier
	extractor   Extractor
	rules       Decider
	aggregator  *thread.Aggregator
	cfg         ExtractionConfig
	logger      *zap.Logger
}

func NewExtractionProcessor(
	accounts AccountLookup,
	messages MessageRepository,
	approvals *ApprovalService,
	store ApprovalRepository,
	provider MailboxProvider,
	credentials *CredentialManager,
	cls Classifier,
	ext Extractor,
	decider Decider,
	aggregator *thread.Aggregator,
	cfg ExtractionConfig,
	logger *zap.Logger,
) *ExtractionProcessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &ExtractionProcessor{
		accounts:    accounts,
		messages:    messages,
		approvals:   approvals,
		store:       store,
		provider:    provider,
		credentials: credentials,
		classifier:  cls,
		extractor:   ext,
		rules:       decider,
		aggregator:  aggregator,
		cfg:         cfg,
		logger:      logger,
	}
}

// Process handles a message or thread unit. Units whose messages are no longer pending are no-ops.
func (p *ExtractionProcessor) Process(ctx context.Context, unit ExtractionUnit) error {
	if unit.IsThread() {
		return p.processThread(ctx, unit)
	}
	return p.processMessage(ctx, unit)
}

// RecordExhausted marks the unit's pending messages failed
func (p *ExtractionProcessor) RecordExhausted(ctx context.Context, unit ExtractionUnit, cause error) error {
	ids, err := p.pendingIDs(ctx, unit)
	if err != nil {
		return err
	}
	p.logger.Error("Extraction retries exhausted", zap.String("unit", unit.Key()), zap.Error(cause))
	return p.messages.MarkFailed(ctx, "retries exhausted: "+cause.Error(), ids...)
}

func (p *ExtractionProcessor) processMessage(ctx context.Context, unit ExtractionUnit) error {
	const op = "extraction.processMessage"

	msg, err := p.messages.GetByID(ctx, unit.MessageID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return errs.NotFound(op, err)
		}
		return err
	}
	if msg.Status != models.MessageStatusPending {
		return nil
	}

	log := p.logger.With(zap.String("account_id", msg.AccountID), zap.String("message_id", msg.ID))

	if msg.Attempts >= p.cfg.MaxAttempts {
		log.Warn("Message exceeded extraction attempts", zap.Int("attempts", msg.Attempts))
		return p.messages.MarkFailed(ctx, "extraction attempts exhausted", msg.ID)
	}

	exists, err := p.store.ExistsForMessages(ctx, []string{msg.ID})
	if err != nil {
		return err
	}
	if exists {
		return p.messages.MarkProcessed(ctx, msg.ID)
	}

	if err := p.messages.IncrementAttempts(ctx, msg.ID); err != nil {
		return err
	}

	account, accessToken, err := p.account(ctx, msg.AccountID)
	if err != nil {
		return err
	}

	content, err := p.provider.GetMessage(ctx, accessToken, msg.ProviderMessageID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			// Gone from the mailbox; nothing left to extract
			log.Info("Message no longer exists at the provider")
			return p.messages.MarkProcessed(ctx, msg.ID)
		}
		return errs.ClassifyProvider("extraction.GetMessage", err)
	}

	sender := firstNonEmpty(content.Sender, msg.Sender)
	subject := firstNonEmpty(content.Subject, msg.Subject)
	text := content.Text()

	if err := p.route(ctx, account.UserID, msg.ID, sender, subject, text, models.SourceEmail, log); err != nil {
		return err
	}
	return p.messages.MarkProcessed(ctx, msg.ID)
}

func (p *ExtractionProcessor) processThread(ctx context.Context, unit ExtractionUnit) error {
	msgs, err := p.messages.ListThread(ctx, unit.AccountID, unit.ThreadID)
	if err != nil {
		return err
	}

	log := p.logger.With(zap.String("account_id", unit.AccountID), zap.String("thread_id", unit.ThreadID))

	// Only messages that used up their own attempts fail; a fresh reply keeps the thread going
	pending, exhausted := splitByAttempts(msgs, p.cfg.MaxAttempts)
	if len(exhausted) > 0 {
		log.Warn("Thread messages exceeded extraction attempts", zap.Int("count", len(exhausted)))
		if err := p.messages.MarkFailed(ctx, "extraction attempts exhausted", exhausted...); err != nil {
			return err
		}
	}
	if len(pending) == 0 {
		return nil
	}

	hasApproval, err := p.store.ThreadHasApproval(ctx, unit.AccountID, unit.ThreadID)
	if err != nil {
		return err
	}
	if hasApproval {
		log.Debug("Thread already has an approval")
		return p.messages.MarkProcessed(ctx, pending...)
	}

	if err := p.messages.IncrementAttempts(ctx, pending...); err != nil {
		return err
	}

	account, accessToken, err := p.account(ctx, unit.AccountID)
	if err != nil {
		return err
	}

	parts := make([]thread.Part, 0, len(msgs))
	for _, msg := range msgs {
		content, err := p.provider.GetMessage(ctx, accessToken, msg.ProviderMessageID)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				continue
			}
			return errs.ClassifyProvider("extraction.GetMessage", err)
		}
		parts = append(parts, thread.Part{
			MessageID:  msg.ID,
			Sender:     firstNonEmpty(content.Sender, msg.Sender),
			Subject:    firstNonEmpty(content.Subject, msg.Subject),
			Body:       content.Text(),
			ReceivedAt: msg.ReceivedAt,
		})
	}
	if len(parts) == 0 {
		return p.messages.MarkProcessed(ctx, pending...)
	}

	agg := p.aggregator.Aggregate(unit.ThreadID, parts)
	// The newest message stands for the thread
	source := agg.MessageIDs[len(agg.MessageIDs)-1]

	if err := p.route(ctx, account.UserID, source, agg.Sender, agg.Subject, agg.Text, models.SourceThread, log); err != nil {
		return err
	}
	return p.messages.MarkProcessed(ctx, pending...)
}

// route classifies, extracts and records one piece of text
func (p *ExtractionProcessor) route(ctx context.Context, userID, sourceMessageID, sender, subject, text string, source models.CandidateSource, log *zap.Logger) error {
	cls := p.classifier.Classify(sender, subject, text)
	metrics.RecordClassification(cls.IsFinancial)
	if !cls.IsFinancial {
		log.Debug("Not financial", zap.Float64("confidence", cls.Confidence))
		return nil
	}

	candidate := p.extractor.Extract(subject + "\n" + text)
	candidate.Source = source

	outcome := p.rules.Decide(rules.Input{
		BaseConfidence: cls.Confidence,
		Candidate:      candidate,
		Sender:         sender,
		Subject:        subject,
	})

	approval, created, err := p.approvals.Record(ctx, userID, &sourceMessageID, candidate, outcome)
	if err != nil {
		return err
	}
	if !created {
		log.Debug("Approval already exists for message")
		return nil
	}
	log.Info("Candidate routed",
		zap.String("approval_id", approval.ID),
		zap.String("decision", string(approval.Decision)),
		zap.Float64("confidence", approval.Confidence))
	return nil
}

func (p *ExtractionProcessor) account(ctx context.Context, accountID string) (*models.MailboxAccount, string, error) {
	account, err := p.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, "", errs.NotFound("extraction.account", err)
		}
		return nil, "", err
	}
	if !account.Active {
		return nil, "", errs.E(errs.KindCredential, "extraction.account", "account is disconnected", nil)
	}
	token, err := p.credentials.AccessToken(ctx, account)
	if err != nil {
		return nil, "", err
	}
	return account, token, nil
}

func (p *ExtractionProcessor) pendingIDs(ctx context.Context, unit ExtractionUnit) ([]string, error) {
	if !unit.IsThread() {
		return []string{unit.MessageID}, nil
	}
	msgs, err := p.messages.ListThread(ctx, unit.AccountID, unit.ThreadID)
	if err != nil {
		return nil, err
	}
	return pendingMessageIDs(msgs), nil
}

func pendingMessageIDs(msgs []models.Message) []string {
	var ids []string
	for _, msg := range msgs {
		if msg.Status == models.MessageStatusPending {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}

// splitByAttempts partitions the pending messages of a thread by whether they still have
// attempts left
func splitByAttempts(msgs []models.Message, limit int) (live, exhausted []string) {
	for _, msg := range msgs {
		if msg.Status != models.MessageStatusPending {
			continue
		}
		if msg.Attempts >= limit {
			exhausted = append(exhausted, msg.ID)
			continue
		}
		live = append(live, msg.ID)
	}
	return live, exhausted
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
