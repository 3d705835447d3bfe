package service

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/extractor"
	"github.com/vipul43/kiwis-ledger/internal/models"
)

const unknownMerchant = "unknown"

// ErrMissingAmount is returned when an approval has neither an edited nor a parseable extracted amount
var ErrMissingAmount = errors.New("approval has no usable amount")

// LedgerEntryBuilder materializes ledger entries from approvals, taking edits over extracted values
type LedgerEntryBuilder struct {
	defaultCurrency string
	now             func() time.Time
}

func NewLedgerEntryBuilder(defaultCurrency string) *LedgerEntryBuilder {
	if defaultCurrency == "" {
		defaultCurrency = "NPR"
	}
	return &LedgerEntryBuilder{
		defaultCurrency: strings.ToUpper(defaultCurrency),
		now:             time.Now,
	}
}

// Build returns the ledger entry for approval. It matches repository.LedgerBuilder.
func (b *LedgerEntryBuilder) Build(approval *models.Approval) (*models.LedgerEntry, error) {
	const op = "ledger.Build"

	edits := approval.Edits
	if edits == nil {
		edits = &models.ApprovalEdits{}
	}

	amount, err := b.amount(edits, approval.Candidate)
	if err != nil {
		return nil, err
	}

	date, err := b.date(edits, approval.Candidate)
	if err != nil {
		return nil, err
	}

	merchant := unknownMerchant
	if v := trimmed(edits.Merchant); v != "" {
		merchant = v
	} else if len(approval.Candidate.Merchants) > 0 {
		merchant = approval.Candidate.Merchants[0]
	}

	currency := b.defaultCurrency
	if v := trimmed(edits.Currency); v != "" {
		if len(v) != 3 {
			return nil, errs.Validation(op, "currency must be a 3-letter code")
		}
		currency = strings.ToUpper(v)
	}

	var category *string
	if v := trimmed(edits.Category); v != "" {
		category = &v
	}

	return &models.LedgerEntry{
		ID:               uuid.NewString(),
		UserID:           approval.UserID,
		SourceApprovalID: approval.ID,
		Date:             date,
		Merchant:         merchant,
		Amount:           amount,
		Currency:         currency,
		Category:         category,
		Confidence:       approval.Confidence,
		DeliveryStatus:   models.DeliveryPending,
	}, nil
}

func (b *LedgerEntryBuilder) amount(edits *models.ApprovalEdits, candidate models.ExtractionCandidate) (decimal.Decimal, error) {
	if v := trimmed(edits.Amount); v != "" {
		amount, err := extractor.ParseAmount(v)
		if err != nil {
			return decimal.Decimal{}, errs.E(errs.KindValidation, "ledger.Build", "invalid amount", err)
		}
		return amount, nil
	}
	for _, raw := range candidate.Amounts {
		if amount, err := extractor.ParseAmount(raw); err == nil {
			return amount, nil
		}
	}
	return decimal.Decimal{}, ErrMissingAmount
}

func (b *LedgerEntryBuilder) date(edits *models.ApprovalEdits, candidate models.ExtractionCandidate) (time.Time, error) {
	if v := trimmed(edits.Date); v != "" {
		date, ok := extractor.ParseDate(v)
		if !ok {
			return time.Time{}, errs.Validation("ledger.Build", "invalid date")
		}
		return date, nil
	}
	for _, raw := range candidate.Dates {
		if date, ok := extractor.ParseDate(raw); ok {
			return date, nil
		}
	}
	now := b.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
