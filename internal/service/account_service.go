package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/models"
	"github.com/vipul43/kiwis-ledger/internal/repository"
)

type AccountStore interface {
	Create(ctx context.Context, account *models.MailboxAccount) error
	GetByID(ctx context.Context, accountID string) (*models.MailboxAccount, error)
	ListByUser(ctx context.Context, userID string) ([]models.MailboxAccount, error)
	Deactivate(ctx context.Context, accountID, userID string) error
}

// LinkRequest carries the OAuth grant obtained by the auth subsystem
type LinkRequest struct {
	Address      string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// AccountService manages the mailbox account lifecycle
type AccountService struct {
	accounts  AccountStore
	vault     CredentialVault
	scheduler Scheduler
	logger    *zap.Logger
}

func NewAccountService(accounts AccountStore, vault CredentialVault, scheduler Scheduler, logger *zap.Logger) *AccountService {
	return &AccountService{
		accounts:  accounts,
		vault:     vault,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Link stores a new account with encrypted credentials and schedules its first sync
func (s *AccountService) Link(ctx context.Context, userID string, req LinkRequest) (*models.MailboxAccount, error) {
	const op = "accounts.Link"

	addr, err := mail.ParseAddress(strings.TrimSpace(req.Address))
	if err != nil {
		return nil, errs.Validation(op, "invalid mailbox address")
	}
	if req.RefreshToken == "" {
		return nil, errs.Validation(op, "refresh token is required")
	}

	blob, err := s.vault.Encrypt(TokenCredentials(&Token{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    req.TokenType,
		Expiry:       req.Expiry,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	account := &models.MailboxAccount{
		ID:          uuid.NewString(),
		UserID:      userID,
		Address:     strings.ToLower(addr.Address),
		Credentials: blob,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Account linked", zap.String("account_id", account.ID), zap.String("user_id", userID))

	if err := s.scheduler.ScheduleSync(ctx, account.ID); err != nil {
		// The periodic scheduler picks never-synced accounts first
		s.logger.Warn("Failed to schedule initial sync", zap.String("account_id", account.ID), zap.Error(err))
	}
	return account, nil
}

// Disconnect soft-deletes an account
func (s *AccountService) Disconnect(ctx context.Context, accountID, userID string) error {
	if err := s.accounts.Deactivate(ctx, accountID, userID); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return errs.NotFound("accounts.Disconnect", err)
		}
		return err
	}
	s.logger.Info("Account disconnected", zap.String("account_id", accountID), zap.String("user_id", userID))
	return nil
}

// List returns the user's active accounts with their sync status
func (s *AccountService) List(ctx context.Context, userID string) ([]models.MailboxAccount, error) {
	return s.accounts.ListByUser(ctx, userID)
}

// TriggerSync schedules an on-demand sync of an idle account
func (s *AccountService) TriggerSync(ctx context.Context, accountID, userID string) error {
	const op = "accounts.TriggerSync"

	account, err := s.owned(ctx, op, accountID, userID)
	if err != nil {
		return err
	}
	if !account.SyncState.CanStartSync() {
		return errs.InvalidTransition(op, "sync already running")
	}
	return s.scheduler.ScheduleSync(ctx, account.ID)
}

func (s *AccountService) owned(ctx context.Context, op, accountID, userID string) (*models.MailboxAccount, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, errs.NotFound(op, err)
		}
		return nil, err
	}
	if account.UserID != userID || !account.Active {
		return nil, errs.NotFound(op, repository.ErrAccountNotFound)
	}
	return account, nil
}
