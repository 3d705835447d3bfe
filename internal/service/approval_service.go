package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/metrics"
	"github.com/vipul43/kiwis-ledger/internal/models"
	"github.com/vipul43/kiwis-ledger/internal/repository"
	"github.com/vipul43/kiwis-ledger/internal/rules"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type ApprovalRepository interface {
	Create(ctx context.Context, approval *models.Approval) (bool, error)
	CreateApproved(ctx context.Context, approval *models.Approval, entry *models.LedgerEntry) (bool, error)
	GetByID(ctx context.Context, approvalID, userID string) (*models.Approval, error)
	ListByUser(ctx context.Context, userID string, status *models.ApprovalStatus, limit, offset int) ([]models.Approval, error)
	Approve(ctx context.Context, approvalID, userID string, edits *models.ApprovalEdits, build repository.LedgerBuilder) (*models.Approval, *models.LedgerEntry, error)
	Reject(ctx context.Context, approvalID, userID string) (*models.Approval, error)
	ThreadHasApproval(ctx context.Context, accountID, threadID string) (bool, error)
	ExistsForMessages(ctx context.Context, messageIDs []string) (bool, error)
}

// Decider routes a scored candidate
type Decider interface {
	Decide(in rules.Input) rules.Outcome
}

// OCRSubmission is a candidate produced outside the mailbox pipeline
type OCRSubmission struct {
	Candidate  models.ExtractionCandidate
	Confidence float64
	Sender     string
	Subject    string
}

// ApprovalService owns the approval state machine: PENDING to APPROVED or REJECTED, once
type ApprovalService struct {
	approvals ApprovalRepository
	builder   *LedgerEntryBuilder
	rules     Decider
	logger    *zap.Logger
}

func NewApprovalService(approvals ApprovalRepository, builder *LedgerEntryBuilder, decider Decider, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{
		approvals: approvals,
		builder:   builder,
		rules:     decider,
		logger:    logger,
	}
}

// Approve approves a pending approval and materializes its ledger entry in the same transaction
func (s *ApprovalService) Approve(ctx context.Context, approvalID, userID string, edits *models.ApprovalEdits) (*models.Approval, *models.LedgerEntry, error) {
	const op = "approval.Approve"

	approval, entry, err := s.approvals.Approve(ctx, approvalID, userID, edits, s.builder.Build)
	if err != nil {
		return nil, nil, mapApprovalError(op, err)
	}

	metrics.RecordApprovalTransition(string(models.ApprovalApproved))
	s.logger.Info("Approval approved",
		zap.String("approval_id", approval.ID),
		zap.String("user_id", userID),
		zap.String("ledger_entry_id", entry.ID),
		zap.String("amount", entry.Amount.StringFixed(2)),
		zap.String("currency", entry.Currency))
	return approval, entry, nil
}

// Reject rejects a pending approval
func (s *ApprovalService) Reject(ctx context.Context, approvalID, userID string) (*models.Approval, error) {
	const op = "approval.Reject"

	approval, err := s.approvals.Reject(ctx, approvalID, userID)
	if err != nil {
		return nil, mapApprovalError(op, err)
	}

	metrics.RecordApprovalTransition(string(models.ApprovalRejected))
	s.logger.Info("Approval rejected", zap.String("approval_id", approval.ID), zap.String("user_id", userID))
	return approval, nil
}

func (s *ApprovalService) Get(ctx context.Context, approvalID, userID string) (*models.Approval, error) {
	approval, err := s.approvals.GetByID(ctx, approvalID, userID)
	if err != nil {
		return nil, mapApprovalError("approval.Get", err)
	}
	return approval, nil
}

// List returns the user's approvals newest first, optionally filtered by status
func (s *ApprovalService) List(ctx context.Context, userID string, status *models.ApprovalStatus, limit, offset int) ([]models.Approval, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.approvals.ListByUser(ctx, userID, status, limit, offset)
}

// SubmitOCR routes an externally extracted candidate through the rules engine and stores it
// without a source message
func (s *ApprovalService) SubmitOCR(ctx context.Context, userID string, sub OCRSubmission) (*models.Approval, error) {
	const op = "approval.SubmitOCR"

	if sub.Confidence < 0 || sub.Confidence > 1 {
		return nil, errs.Validation(op, "confidence must be between 0 and 1")
	}
	sub.Candidate.Source = models.SourceOCR

	outcome := s.rules.Decide(rules.Input{
		BaseConfidence: sub.Confidence,
		Candidate:      sub.Candidate,
		Sender:         sub.Sender,
		Subject:        sub.Subject,
	})

	approval, _, err := s.Record(ctx, userID, nil, sub.Candidate, outcome)
	if err != nil {
		return nil, err
	}
	return approval, nil
}

// Record persists a routed candidate. An auto-approved candidate is stored already approved together
// with its ledger entry; if no entry can be built it falls back to manual review. It reports
// false when an approval for the source message already exists.
func (s *ApprovalService) Record(ctx context.Context, userID string, sourceMessageID *string, candidate models.ExtractionCandidate, outcome rules.Outcome) (*models.Approval, bool, error) {
	metrics.RecordRuleDecision(string(outcome.Decision))

	approval := &models.Approval{
		ID:              uuid.NewString(),
		UserID:          userID,
		SourceMessageID: sourceMessageID,
		Candidate:       candidate,
		Confidence:      outcome.Confidence,
		Status:          outcome.Status(),
		Decision:        outcome.Decision,
	}

	if outcome.Decision == models.DecisionAutoApprove {
		entry, err := s.builder.Build(approval)
		if err == nil {
			created, err := s.approvals.CreateApproved(ctx, approval, entry)
			if err != nil {
				return nil, false, err
			}
			if created {
				s.logger.Info("Approval auto-approved",
					zap.String("approval_id", approval.ID),
					zap.String("ledger_entry_id", entry.ID),
					zap.Strings("reasons", outcome.Reasons))
			}
			return approval, created, nil
		}
		s.logger.Warn("Auto-approved candidate has no usable ledger entry, leaving it for review",
			zap.String("approval_id", approval.ID), zap.Error(err))
		approval.Status = models.ApprovalPending
		approval.Decision = models.DecisionManual
	}

	created, err := s.approvals.Create(ctx, approval)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("Approval recorded",
			zap.String("approval_id", approval.ID),
			zap.String("status", string(approval.Status)),
			zap.Float64("confidence", approval.Confidence),
			zap.Strings("reasons", outcome.Reasons))
	}
	return approval, created, nil
}

func mapApprovalError(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrApprovalNotFound):
		return errs.NotFound(op, err)
	case errors.Is(err, repository.ErrApprovalNotPending):
		return errs.E(errs.KindInvalidStateTransition, op, "approval already decided", err)
	case errors.Is(err, ErrMissingAmount):
		return errs.E(errs.KindValidation, op, "amount required", err)
	case errs.Is(err, errs.KindValidation):
		return err
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
