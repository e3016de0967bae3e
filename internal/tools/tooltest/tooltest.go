// Package tooltest provides an in-memory mail backend and server wiring for
// tool handler tests.
package tooltest

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/auth"
	"github.com/teemow/unimail/internal/mail"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/mailproto"
	"github.com/teemow/unimail/internal/server"
	"github.com/teemow/unimail/internal/session"
)

// DiscardLogger drops every record
var DiscardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Message is one stored message of the fake backend
type Message struct {
	UID     uint32
	Subject string
	From    string
	Date    time.Time
	Seen    bool
	Body    string
}

// Sent is one message accepted by the fake SMTP server
type Sent struct {
	From       string
	Recipients []string
	Data       []byte
}

// Backend is an in-memory IMAP and SMTP server. It implements
// session.Dialer.
type Backend struct {
	mu          sync.Mutex
	uidValidity uint32
	mailboxes   map[string][]*Message
	order       []string
	sent        []Sent
	dials       int
	dialErr     error
}

// NewBackend creates a backend with an empty INBOX and a Sent mailbox
func NewBackend() *Backend {
	return &Backend{
		uidValidity: 1,
		mailboxes:   map[string][]*Message{"INBOX": nil, "Sent": nil},
		order:       []string{"INBOX", "Sent"},
	}
}

// Add stores messages in mailbox
func (b *Backend) Add(mailbox string, msgs ...*Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[mailbox]; !ok {
		b.order = append(b.order, mailbox)
	}
	b.mailboxes[mailbox] = append(b.mailboxes[mailbox], msgs...)
}

// FailDials makes every dial fail with err
func (b *Backend) FailDials(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Sent returns the accepted messages
func (b *Backend) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.sent)
}

// Dials returns the number of dial attempts
func (b *Backend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Seen reports the \Seen flag of a message
func (b *Backend) Seen(mailbox string, uid uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m := b.find(mailbox, uid); m != nil {
		return m.Seen
	}
	return false
}

func (b *Backend) find(mailbox string, uid uint32) *Message {
	for _, m := range b.mailboxes[mailbox] {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

// Dial implements session.Dialer
func (b *Backend) Dial(_ context.Context, _ accounts.Account, proto session.Protocol) (session.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	if proto == session.SMTP {
		return &smtpConn{b: b}, nil
	}
	return &imapConn{b: b}, nil
}

type imapConn struct {
	b        *Backend
	selected string
}

func (c *imapConn) Noop(context.Context) error { return nil }
func (c *imapConn) Close() error               { return nil }

func (c *imapConn) Select(_ context.Context, mailbox string, _ bool) (mailproto.MailboxInfo, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	msgs, ok := c.b.mailboxes[mailbox]
	if !ok {
		return mailproto.MailboxInfo{}, mailerr.NotFound("mailbox %q does not exist", mailbox)
	}
	c.selected = mailbox
	return mailproto.MailboxInfo{Name: mailbox, UIDValidity: c.b.uidValidity, NumMessages: uint32(len(msgs))}, nil
}

func (c *imapConn) Search(_ context.Context, crit mailproto.SearchCriteria) ([]uint32, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	var uids []uint32
	for _, m := range c.b.mailboxes[c.selected] {
		switch {
		case crit.Unseen && m.Seen:
		case crit.Subject != "" && !strings.Contains(strings.ToLower(m.Subject), strings.ToLower(crit.Subject)):
		case crit.From != "" && !strings.Contains(strings.ToLower(m.From), strings.ToLower(crit.From)):
		case !crit.Since.IsZero() && m.Date.Before(crit.Since):
		case !crit.Before.IsZero() && !m.Date.Before(crit.Before):
		case len(crit.UIDs) > 0 && !slices.Contains(crit.UIDs, m.UID):
		default:
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

func (c *imapConn) FetchSummaries(_ context.Context, uids []uint32) ([]mailproto.Summary, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	var out []mailproto.Summary
	for _, uid := range uids {
		m := c.b.find(c.selected, uid)
		if m == nil {
			continue
		}
		var flags []string
		if m.Seen {
			flags = []string{`\Seen`}
		}
		out = append(out, mailproto.Summary{
			UID:     m.UID,
			Flags:   flags,
			Subject: m.Subject,
			From:    []mailproto.Address{{Email: m.From}},
			Date:    m.Date,
		})
	}
	return out, nil
}

func (c *imapConn) FetchRaw(_ context.Context, uid uint32, markSeen bool) (*mailproto.RawMessage, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	m := c.b.find(c.selected, uid)
	if m == nil {
		return nil, nil
	}
	if markSeen {
		m.Seen = true
	}
	raw := "From: " + m.From + "\r\n" +
		"To: ada@example.com\r\n" +
		"Subject: " + m.Subject + "\r\n" +
		"Date: " + m.Date.Format(time.RFC1123Z) + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + m.Body
	return &mailproto.RawMessage{UID: uid, Body: []byte(raw), Size: int64(len(raw))}, nil
}

func (c *imapConn) StoreSeen(_ context.Context, uids []uint32, seen bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for _, uid := range uids {
		if m := c.b.find(c.selected, uid); m != nil {
			m.Seen = seen
		}
	}
	return nil
}

func (c *imapConn) ListMailboxes(context.Context) ([]mailproto.MailboxEntry, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	out := make([]mailproto.MailboxEntry, 0, len(c.b.order))
	for _, name := range c.b.order {
		out = append(out, mailproto.MailboxEntry{Name: name, Delimiter: "/"})
	}
	return out, nil
}

type smtpConn struct {
	b *Backend
}

func (c *smtpConn) Noop(context.Context) error { return nil }
func (c *smtpConn) Close() error               { return nil }

func (c *smtpConn) Send(_ context.Context, from string, recipients []string, msg []byte) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.sent = append(c.b.sent, Sent{From: from, Recipients: slices.Clone(recipients), Data: slices.Clone(msg)})
	return nil
}

// Env is a fully wired server context for tool tests
type Env struct {
	SC      *server.ServerContext
	Backend *Backend
	Token   string
}

// NewEnv wires the registry, pool, mail service and token manager against
// an in-memory store and backend
func NewEnv(t *testing.T) *Env {
	t.Helper()
	ctx := context.Background()

	key, err := accounts.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cipher, err := accounts.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store, err := accounts.OpenStore(":memory:", cipher)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	backend := NewBackend()
	pool := session.NewPool(backend, session.Config{}, nil, DiscardLogger)
	registry := accounts.NewRegistry(store, pool, DiscardLogger)
	pool.ResolveAccountsWith(registry)

	tokens, err := auth.NewManager(auth.Options{
		Deployment: auth.DeploymentLocal,
		Dir:        t.TempDir(),
		Logger:     DiscardLogger,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	tok, err := tokens.GetOrCreate(ctx)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	sc, err := server.NewServerContext(ctx, server.Options{
		Registry: registry,
		Pool:     pool,
		Mail:     mail.NewService(registry, pool, nil, DiscardLogger),
		Tokens:   tokens,
		Logger:   DiscardLogger,
		Store:    store,
	})
	if err != nil {
		t.Fatalf("NewServerContext: %v", err)
	}
	t.Cleanup(func() {
		_ = sc.Shutdown(context.Background())
	})
	return &Env{SC: sc, Backend: backend, Token: tok.Value}
}

// AddAccount registers the account "work" for ada@example.com
func (e *Env) AddAccount(t *testing.T) accounts.Account {
	t.Helper()
	acct := accounts.Account{
		Name:         "work",
		FullName:     "Ada Lovelace",
		EmailAddress: "ada@example.com",
		UserName:     "ada",
		Password:     "s3cret",
		IMAPHost:     "imap.example.com",
		IMAPTLS:      true,
		SMTPHost:     "smtp.example.com",
		SMTPTLS:      true,
	}
	if err := e.SC.Registry().Add(context.Background(), acct); err != nil {
		t.Fatalf("Add account: %v", err)
	}
	return acct
}

// Authorized returns a context carrying the valid credential
func (e *Env) Authorized() context.Context {
	return auth.WithCredential(context.Background(), e.Token)
}

// Request builds a tool call request
func Request(name string, args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

// Text returns the concatenated text content of a result
func Text(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
