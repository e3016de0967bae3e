package mail

import (
	"slices"
	"time"

	"github.com/teemow/unimail/internal/mailproto"
)

const flagSeen = `\Seen`

// MessageSummary is one entry of a message listing
type MessageSummary struct {
	UID            uint32   `json:"uid"`
	Mailbox        string   `json:"mailbox"`
	Flags          []string `json:"flags"`
	IsRead         bool     `json:"is_read"`
	Subject        string   `json:"subject"`
	Sender         string   `json:"sender"`
	Date           string   `json:"date,omitempty"`
	Size           int64    `json:"size"`
	HasAttachments bool     `json:"has_attachments"`
}

// MessagePage is one page of a message listing, newest first
type MessagePage struct {
	Account     string           `json:"account_name"`
	Mailbox     string           `json:"mailbox"`
	UIDValidity uint32           `json:"uid_validity"`
	Page        int              `json:"page"`
	PageSize    int              `json:"page_size"`
	TotalCount  int              `json:"total_count"`
	HasMore     bool             `json:"has_more"`
	Messages    []MessageSummary `json:"messages"`
}

// Message is a fully retrieved message
type Message struct {
	MessageSummary
	UIDValidity uint32           `json:"uid_validity"`
	To          []string         `json:"to"`
	Cc          []string         `json:"cc,omitempty"`
	MessageID   string           `json:"message_id,omitempty"`
	TextBody    string           `json:"text_body,omitempty"`
	HTMLBody    string           `json:"html_body,omitempty"`
	Attachments []AttachmentInfo `json:"attachments,omitempty"`
}

// AttachmentInfo describes an attachment without its content
type AttachmentInfo struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// SendReceipt confirms that the server accepted a message for delivery.
// Delivery itself is not confirmed.
type SendReceipt struct {
	Status             string   `json:"status"`
	Account            string   `json:"account_name"`
	MessageID          string   `json:"message_id"`
	AcceptedRecipients []string `json:"accepted_recipients"`
}

// StatusAcceptedForDelivery is the status of every successful send
const StatusAcceptedForDelivery = "accepted_for_delivery"

// Per-UID outcomes of MarkMessage
const (
	MarkUpdated  = "updated"
	MarkNotFound = "not_found"
)

// MarkResult is the outcome for one UID
type MarkResult struct {
	UID    uint32 `json:"uid"`
	Status string `json:"status"`
}

// MarkReport summarizes a MarkMessage call
type MarkReport struct {
	Account  string       `json:"account_name"`
	Mailbox  string       `json:"mailbox"`
	Read     bool         `json:"read"`
	Updated  int          `json:"updated"`
	NotFound int          `json:"not_found"`
	Results  []MarkResult `json:"results"`
}

func summaryFrom(mailbox string, s mailproto.Summary) MessageSummary {
	out := MessageSummary{
		UID:            s.UID,
		Mailbox:        mailbox,
		Flags:          nonNil(s.Flags),
		IsRead:         slices.Contains(s.Flags, flagSeen),
		Subject:        s.Subject,
		Date:           formatDate(s.Date),
		Size:           s.Size,
		HasAttachments: s.HasAttachments,
	}
	if len(s.From) > 0 {
		out.Sender = formatAddress(s.From[0].Name, s.From[0].Email)
	}
	return out
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return name + " <" + email + ">"
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
