package service

import (
	"context"
	"errors"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/models"
	"github.com/vipul43/kiwis-ledger/internal/repository"
)

type MessageLookup interface {
	GetByID(ctx context.Context, messageID string) (*models.Message, error)
}

// MessageService serves stored messages back to their owner with bodies fetched live
type MessageService struct {
	messages    MessageLookup
	accounts    AccountLookup
	provider    MailboxProvider
	credentials *CredentialManager
}

func NewMessageService(messages MessageLookup, accounts AccountLookup, provider MailboxProvider, credentials *CredentialManager) *MessageService {
	return &MessageService{
		messages:    messages,
		accounts:    accounts,
		provider:    provider,
		credentials: credentials,
	}
}

// Content returns the full message if it belongs to one of userID's accounts
func (s *MessageService) Content(ctx context.Context, messageID, userID string) (*models.Message, *MessageContent, error) {
	const op = "messages.Content"

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil, nil, errs.NotFound(op, err)
		}
		return nil, nil, err
	}

	account, err := s.accounts.GetByID(ctx, msg.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, nil, errs.NotFound(op, err)
		}
		return nil, nil, err
	}
	if account.UserID != userID {
		return nil, nil, errs.NotFound(op, repository.ErrMessageNotFound)
	}

	token, err := s.credentials.AccessToken(ctx, account)
	if err != nil {
		return nil, nil, err
	}

	content, err := s.provider.GetMessage(ctx, token, msg.ProviderMessageID)
	if err != nil {
		return nil, nil, errs.ClassifyProvider(op, err)
	}
	return msg, content, nil
}
