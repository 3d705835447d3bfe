package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/models"
)

// Entry is the createEntry payload of the ledger service
type Entry struct {
	UserID           string  `json:"user_id"`
	Date             string  `json:"date"`
	Merchant         string  `json:"merchant"`
	Amount           string  `json:"amount"`
	Currency         string  `json:"currency"`
	Category         *string `json:"category,omitempty"`
	SourceApprovalID string  `json:"source_approval_id"`
	Confidence       float64 `json:"confidence"`
}

// EntryFromModel converts a stored ledger entry into the wire payload
func EntryFromModel(e *models.LedgerEntry) Entry {
	return Entry{
		UserID:           e.UserID,
		Date:             e.Date.Format("2006-01-02"),
		Merchant:         e.Merchant,
		Amount:           e.Amount.StringFixed(2),
		Currency:         e.Currency,
		Category:         e.Category,
		SourceApprovalID: e.SourceApprovalID,
		Confidence:       e.Confidence,
	}
}

// Client posts entries to the ledger service
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateEntry creates an entry and returns the ledger's id for it. The source approval id is sent
// as the idempotency key, so a replayed delivery returns the original entry.
func (c *Client) CreateEntry(ctx context.Context, entry Entry) (string, error) {
	const op = "ledger.CreateEntry"

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/entries", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.SourceApprovalID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errs.Transient(op, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errs.Transient(op, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated, resp.StatusCode == http.StatusConflict:
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
			return "", errs.E(errs.KindInternal, op, fmt.Sprintf("unexpected response (status %d): %s", resp.StatusCode, string(body)), err)
		}
		return created.ID, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return "", errs.Transient(op, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body)))
	default:
		return "", errs.Validation(op, fmt.Sprintf("API error (status %d): %s", resp.StatusCode, string(body)))
	}
}
