// Package mailproto adapts IMAP and SMTP client libraries to the sessions
// managed by the session pool.
package mailproto

import (
	"context"
	"errors"
	"time"

	"github.com/teemow/unimail/internal/session"
)

// Error stages. Send failures in OpSMTPData may have left data with the
// server; everything before it did not.
const (
	OpSMTPEnvelope = "smtp.envelope"
	OpSMTPData     = "smtp.data"
	OpIMAP         = "imap"
)

// ErrSearchUnsupported reports that the server rejected the search
// criteria, e.g. because of the charset of a text filter
var ErrSearchUnsupported = errors.New("search criteria not supported by server")

// Address is a parsed mailbox address
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// MailboxInfo describes a selected mailbox
type MailboxInfo struct {
	Name        string
	UIDValidity uint32
	NumMessages uint32
}

// SearchCriteria is a conjunction of filters. Zero fields do not filter.
type SearchCriteria struct {
	Unseen  bool
	Subject string
	From    string
	Since   time.Time
	Before  time.Time
	UIDs    []uint32
}

// HasText reports whether the criteria include text filters
func (c SearchCriteria) HasText() bool {
	return c.Subject != "" || c.From != ""
}

// Summary is the envelope level view of a message
type Summary struct {
	UID            uint32
	Flags          []string
	Subject        string
	From           []Address
	To             []Address
	Cc             []Address
	Date           time.Time
	MessageID      string
	Size           int64
	HasAttachments bool
}

// RawMessage is a full RFC 5322 message with its flags
type RawMessage struct {
	UID   uint32
	Flags []string
	Size  int64
	Body  []byte
}

// MailboxEntry is one mailbox of a LIST response
type MailboxEntry struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
}

// IMAPSession is the mailbox access used by the mail service
type IMAPSession interface {
	session.Conn

	Select(ctx context.Context, mailbox string, readOnly bool) (MailboxInfo, error)
	Search(ctx context.Context, criteria SearchCriteria) ([]uint32, error)
	FetchSummaries(ctx context.Context, uids []uint32) ([]Summary, error)

	// FetchRaw returns nil when no message has the UID
	FetchRaw(ctx context.Context, uid uint32, markSeen bool) (*RawMessage, error)

	StoreSeen(ctx context.Context, uids []uint32, seen bool) error
	ListMailboxes(ctx context.Context) ([]MailboxEntry, error)
}

// SMTPSession submits messages
type SMTPSession interface {
	session.Conn

	// Send runs one mail transaction. If any recipient is rejected the
	// transaction is reset and nothing is sent.
	Send(ctx context.Context, from string, recipients []string, msg []byte) error
}
