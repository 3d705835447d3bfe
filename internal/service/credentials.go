package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/logger"
	"github.com/vipul43/kiwis-ledger/internal/models"
)

// Credential map keys
const (
	CredAccessToken  = "access_token"
	CredRefreshToken = "refresh_token"
	CredExpiry       = "expiry"
	CredTokenType    = "token_type"
)

// refreshSkew treats tokens expiring within this window as expired
const refreshSkew = 5 * time.Minute

type CredentialVault interface {
	Encrypt(credentials map[string]string) (string, error)
	Decrypt(blob string) (map[string]string, error)
}

type CredentialStore interface {
	UpdateCredentials(ctx context.Context, accountID, blob string) error
}

// CredentialManager hands out usable access tokens for accounts, refreshing and
// re-encrypting them when they are about to expire
type CredentialManager struct {
	vault    CredentialVault
	store    CredentialStore
	provider MailboxProvider
	logger   *zap.Logger
	now      func() time.Time
}

func NewCredentialManager(vault CredentialVault, store CredentialStore, provider MailboxProvider, logger *zap.Logger) *CredentialManager {
	return &CredentialManager{
		vault:    vault,
		store:    store,
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// AccessToken returns a valid access token for account
func (m *CredentialManager) AccessToken(ctx context.Context, account *models.MailboxAccount) (string, error) {
	const op = "credentials.AccessToken"

	creds, err := m.vault.Decrypt(account.Credentials)
	if err != nil {
		return "", errs.Credential(op, err)
	}

	accessToken := creds[CredAccessToken]
	if accessToken != "" && !m.isExpired(creds[CredExpiry]) {
		return accessToken, nil
	}

	refreshToken := creds[CredRefreshToken]
	if refreshToken == "" {
		return "", errs.E(errs.KindCredential, op, "no refresh token available", nil)
	}

	m.logger.Info("Refreshing access token", zap.String("account_id", account.ID))
	token, err := m.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		return "", errs.ClassifyProvider(op, err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	blob, err := m.vault.Encrypt(TokenCredentials(token))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt refreshed credentials: %w", err)
	}
	if err := m.store.UpdateCredentials(ctx, account.ID, blob); err != nil {
		return "", err
	}
	account.Credentials = blob

	m.logger.Info("Access token refreshed",
		zap.String("account_id", account.ID),
		logger.Masked("access_token", token.AccessToken),
		zap.Time("expires_at", token.Expiry))
	return token.AccessToken, nil
}

// isExpired reports whether an RFC3339 expiry is missing, unparseable or within the refresh skew
func (m *CredentialManager) isExpired(expiry string) bool {
	if expiry == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, expiry)
	if err != nil {
		return true
	}
	return m.now().Add(refreshSkew).After(t)
}

// TokenCredentials converts a token into the credential map stored in the vault
func TokenCredentials(token *Token) map[string]string {
	creds := map[string]string{
		CredAccessToken:  token.AccessToken,
		CredRefreshToken: token.RefreshToken,
		CredTokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		creds[CredExpiry] = token.Expiry.UTC().Format(time.RFC3339)
	}
	if creds[CredTokenType] == "" {
		creds[CredTokenType] = "Bearer"
	}
	return creds
}
