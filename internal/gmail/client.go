package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/vipul43/kiwis-ledger/internal/errs"
	"github.com/vipul43/kiwis-ledger/internal/service"
)

const defaultTokenURL = "https://oauth2.googleapis.com/token"

var metadataHeaders = []string{"Subject", "From", "Date"}

// Client talks to the Gmail API on behalf of one access token per call
type Client struct {
	oauth   *oauth2.Config
	timeout time.Duration
	opts    []option.ClientOption
	logger  *zap.Logger
}

type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

// NewClient creates a Gmail client. Extra options are appended to every service, which lets
// tests point the client at a local endpoint.
func NewClient(cfg Config, logger *zap.Logger, opts ...option.ClientOption) *Client {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		timeout: timeout,
		opts:    opts,
		logger:  logger,
	}
}

var _ service.MailboxProvider = (*Client)(nil)

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}
	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, c.opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// ListMessageIDs lists one page of message ids matching query (ids only, no message fetch)
func (c *Client) ListMessageIDs(ctx context.Context, accessToken, query string, pageSize int, pageToken string) (*service.MessagePage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Users.Messages.List("me").Q(query).MaxResults(int64(pageSize)).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, errs.ClassifyProvider("gmail.ListMessageIDs", err)
	}

	c.logger.Debug("Listed message ids",
		zap.Int("count", len(resp.Messages)),
		zap.Bool("has_next_page", resp.NextPageToken != ""))

	page := &service.MessagePage{
		Refs:          make([]service.MessageRef, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
	}
	for _, msg := range resp.Messages {
		page.Refs = append(page.Refs, service.MessageRef{ID: msg.Id, ThreadID: msg.ThreadId})
	}
	return page, nil
}

// GetMessageMetadata fetches the headers of a single message
func (c *Client) GetMessageMetadata(ctx context.Context, accessToken, messageID string) (*service.MessageMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", messageID).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, errs.ClassifyProvider("gmail.GetMessageMetadata", err)
	}

	meta := c.parseMetadata(msg)
	return &meta, nil
}

// GetMessage fetches a single message with decoded bodies
func (c *Client) GetMessage(ctx context.Context, accessToken, messageID string) (*service.MessageContent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, errs.ClassifyProvider("gmail.GetMessage", err)
	}

	content := c.parseMessage(msg)
	return &content, nil
}

// RefreshToken exchanges a refresh token for a fresh access token
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*service.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	newToken, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, errs.ClassifyProvider("gmail.RefreshToken", err)
	}

	result := &service.Token{
		AccessToken:  newToken.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    newToken.TokenType,
		Expiry:       newToken.Expiry,
	}
	// Google only sometimes rotates the refresh token
	if newToken.RefreshToken != "" {
		result.RefreshToken = newToken.RefreshToken
	}

	c.logger.Debug("Token refreshed", zap.Time("expires_at", result.Expiry))
	return result, nil
}

func (c *Client) parseMetadata(msg *gmail.Message) service.MessageMetadata {
	meta := service.MessageMetadata{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
	}
	if msg.InternalDate > 0 {
		meta.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return meta
	}

	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			meta.Subject = header.Value
		case "From":
			meta.Sender = header.Value
		case "Date":
			if meta.ReceivedAt.IsZero() {
				parsed, err := parseEmailDate(header.Value)
				if err != nil {
					c.logger.Debug("Unparseable Date header", zap.String("message_id", msg.Id), zap.Error(err))
					continue
				}
				meta.ReceivedAt = parsed.UTC()
			}
		}
	}

	meta.HasAttachments = msg.Payload.MimeType == "multipart/mixed" || len(extractAttachments(msg.Payload)) > 0
	return meta
}

func (c *Client) parseMessage(msg *gmail.Message) service.MessageContent {
	content := service.MessageContent{
		MessageMetadata: c.parseMetadata(msg),
		Snippet:         msg.Snippet,
	}
	if msg.Payload == nil {
		return content
	}

	content.BodyText, content.BodyHTML = extractBodies(msg.Payload)
	content.Attachments = extractAttachments(msg.Payload)
	content.HasAttachments = len(content.Attachments) > 0
	return content
}

// extractBodies returns the first text/plain and text/html bodies in the part tree
func extractBodies(payload *gmail.MessagePart) (string, string) {
	var textPlain, textHTML string
	walkParts(payload, func(part *gmail.MessagePart) {
		if part.Body == nil || part.Body.Data == "" || part.Filename != "" {
			return
		}
		decoded, err := decodeBody(part.Body.Data)
		if err != nil {
			return
		}
		switch {
		case part.MimeType == "text/plain" && textPlain == "":
			textPlain = decoded
		case part.MimeType == "text/html" && textHTML == "":
			textHTML = decoded
		}
	})
	return textPlain, textHTML
}

func extractAttachments(payload *gmail.MessagePart) []service.Attachment {
	var attachments []service.Attachment
	walkParts(payload, func(part *gmail.MessagePart) {
		if part.Filename == "" || part.Body == nil {
			return
		}
		attachments = append(attachments, service.Attachment{
			Filename:     part.Filename,
			MimeType:     part.MimeType,
			Size:         part.Body.Size,
			AttachmentID: part.Body.AttachmentId,
		})
	})
	return attachments
}

func walkParts(part *gmail.MessagePart, visit func(*gmail.MessagePart)) {
	if part == nil {
		return
	}
	visit(part)
	for _, child := range part.Parts {
		walkParts(child, visit)
	}
}

// decodeBody decodes Gmail's base64url body data, padded or not
func decodeBody(data string) (string, error) {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded), nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// parseEmailDate parses various email date formats
func parseEmailDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
	}

	dateStr = strings.TrimSpace(dateStr)

	// Gmail sometimes appends the zone name after the numeric offset, e.g. "(UTC)"
	if idx := strings.Index(dateStr, " ("); idx != -1 {
		dateStr = dateStr[:idx]
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
