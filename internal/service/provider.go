package service

import (
	"context"
	"time"
)

// MessageRef is one entry of a mailbox listing
type MessageRef struct {
	ID       string
	ThreadID string
}

// MessagePage is one page of message ids
type MessagePage struct {
	Refs          []MessageRef
	NextPageToken string
}

// MessageMetadata is the header-level view fetched for every new id
type MessageMetadata struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id"`
	Subject        string    `json:"subject"`
	Sender         string    `json:"sender"`
	ReceivedAt     time.Time `json:"received_at"`
	HasAttachments bool      `json:"has_attachments"`
}

// Attachment describes an attachment without its data
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachment_id"`
}

// MessageContent is a full message with decoded bodies
type MessageContent struct {
	MessageMetadata
	Snippet     string       `json:"snippet"`
	BodyText    string       `json:"body_text,omitempty"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// Text returns the plain body, falling back to the stripped HTML body and then the snippet
func (m *MessageContent) Text() string {
	switch {
	case m.BodyText != "":
		return m.BodyText
	case m.BodyHTML != "":
		return StripHTML(m.BodyHTML)
	default:
		return m.Snippet
	}
}

// Token is an OAuth token as returned by a refresh
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// MailboxProvider is the remote mailbox API
type MailboxProvider interface {
	ListMessageIDs(ctx context.Context, accessToken, query string, pageSize int, pageToken string) (*MessagePage, error)
	GetMessageMetadata(ctx context.Context, accessToken, messageID string) (*MessageMetadata, error)
	GetMessage(ctx context.Context, accessToken, messageID string) (*MessageContent, error)
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
}
