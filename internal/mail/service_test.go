package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/mailproto"
	"github.com/teemow/unimail/internal/session"
)

var baseDate = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeMessage struct {
	uid     uint32
	flags   []string
	subject string
	from    mailproto.Address
	date    time.Time
	raw     []byte
}

type fakeMailbox struct {
	uidValidity uint32
	messages    []*fakeMessage
}

type sentMessage struct {
	from       string
	recipients []string
	raw        []byte
}

// fakeServer backs the IMAP and SMTP sessions of every test account
type fakeServer struct {
	mu sync.Mutex

	mailboxes map[string]*fakeMailbox
	order     []string

	textSearchUnsupported bool

	imapFailures []error // returned by the next IMAP commands
	dialErrs     []error // returned by the next dials
	sendErrs     []error // returned by the next sends

	imapDials, smtpDials int
	sendAttempts         int
	sent                 []sentMessage
}

func newFakeServer() *fakeServer {
	return &fakeServer{mailboxes: map[string]*fakeMailbox{}}
}

func (s *fakeServer) addMailbox(name string, uidValidity uint32, msgs ...*fakeMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes[name] = &fakeMailbox{uidValidity: uidValidity, messages: msgs}
	s.order = append(s.order, name)
}

func (s *fakeServer) takeIMAPFailure() error {
	if len(s.imapFailures) == 0 {
		return nil
	}
	err := s.imapFailures[0]
	s.imapFailures = s.imapFailures[1:]
	return err
}

func (s *fakeServer) Dial(_ context.Context, _ accounts.Account, proto session.Protocol) (session.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if proto == session.IMAP {
		s.imapDials++
	} else {
		s.smtpDials++
	}
	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if proto == session.IMAP {
		return &fakeIMAP{srv: s}, nil
	}
	return &fakeSMTP{srv: s}, nil
}

type fakeIMAP struct {
	srv      *fakeServer
	selected *fakeMailbox
	readOnly bool
}

func (c *fakeIMAP) Noop(context.Context) error { return nil }
func (c *fakeIMAP) Close() error               { return nil }

func (c *fakeIMAP) Select(_ context.Context, name string, readOnly bool) (mailproto.MailboxInfo, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.srv.takeIMAPFailure(); err != nil {
		return mailproto.MailboxInfo{}, err
	}
	mb, ok := c.srv.mailboxes[name]
	if !ok {
		return mailproto.MailboxInfo{}, mailerr.NotFound("mailbox %q not found", name)
	}
	c.selected, c.readOnly = mb, readOnly
	return mailproto.MailboxInfo{Name: name, UIDValidity: mb.uidValidity, NumMessages: uint32(len(mb.messages))}, nil
}

func (c *fakeIMAP) Search(_ context.Context, crit mailproto.SearchCriteria) ([]uint32, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.srv.takeIMAPFailure(); err != nil {
		return nil, err
	}
	if c.srv.textSearchUnsupported && crit.HasText() {
		return nil, fmt.Errorf("%w: BADCHARSET", mailproto.ErrSearchUnsupported)
	}

	var out []uint32
	for _, m := range c.selected.messages {
		switch {
		case crit.Unseen && slices.Contains(m.flags, flagSeen):
		case crit.Subject != "" && !containsFold(m.subject, crit.Subject):
		case crit.From != "" && !containsFold(m.from.Email, crit.From) && !containsFold(m.from.Name, crit.From):
		case !crit.Since.IsZero() && m.date.Before(crit.Since):
		case !crit.Before.IsZero() && !m.date.Before(crit.Before):
		case len(crit.UIDs) > 0 && !slices.Contains(crit.UIDs, m.uid):
		default:
			out = append(out, m.uid)
		}
	}
	return out, nil
}

func (c *fakeIMAP) find(uid uint32) *fakeMessage {
	for _, m := range c.selected.messages {
		if m.uid == uid {
			return m
		}
	}
	return nil
}

func (c *fakeIMAP) FetchSummaries(_ context.Context, uids []uint32) ([]mailproto.Summary, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.srv.takeIMAPFailure(); err != nil {
		return nil, err
	}
	var out []mailproto.Summary
	for _, uid := range uids {
		if m := c.find(uid); m != nil {
			out = append(out, mailproto.Summary{
				UID:     m.uid,
				Flags:   slices.Clone(m.flags),
				Subject: m.subject,
				From:    []mailproto.Address{m.from},
				Date:    m.date,
				Size:    int64(len(m.raw)),
			})
		}
	}
	return out, nil
}

func (c *fakeIMAP) FetchRaw(_ context.Context, uid uint32, markSeen bool) (*mailproto.RawMessage, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.srv.takeIMAPFailure(); err != nil {
		return nil, err
	}
	m := c.find(uid)
	if m == nil {
		return nil, nil
	}
	raw := &mailproto.RawMessage{UID: m.uid, Flags: slices.Clone(m.flags), Size: int64(len(m.raw)), Body: m.raw}
	if markSeen && !c.readOnly && !slices.Contains(m.flags, flagSeen) {
		m.flags = append(m.flags, flagSeen)
	}
	return raw, nil
}

func (c *fakeIMAP) StoreSeen(_ context.Context, uids []uint32, seen bool) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.srv.takeIMAPFailure(); err != nil {
		return err
	}
	if c.readOnly {
		return errors.New("mailbox is read-only")
	}
	for _, uid := range uids {
		m := c.find(uid)
		if m == nil {
			continue
		}
		has := slices.Contains(m.flags, flagSeen)
		switch {
		case seen && !has:
			m.flags = append(m.flags, flagSeen)
		case !seen && has:
			m.flags = slices.DeleteFunc(m.flags, func(f string) bool { return f == flagSeen })
		}
	}
	return nil
}

func (c *fakeIMAP) ListMailboxes(context.Context) ([]mailproto.MailboxEntry, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.srv.takeIMAPFailure(); err != nil {
		return nil, err
	}
	out := make([]mailproto.MailboxEntry, 0, len(c.srv.order))
	for _, name := range c.srv.order {
		out = append(out, mailproto.MailboxEntry{Name: name, Delimiter: "/"})
	}
	return out, nil
}

type fakeSMTP struct {
	srv *fakeServer
}

func (c *fakeSMTP) Noop(context.Context) error { return nil }
func (c *fakeSMTP) Close() error               { return nil }

func (c *fakeSMTP) Send(_ context.Context, from string, recipients []string, msg []byte) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.sendAttempts++
	if len(c.srv.sendErrs) > 0 {
		err := c.srv.sendErrs[0]
		c.srv.sendErrs = c.srv.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	c.srv.sent = append(c.srv.sent, sentMessage{from: from, recipients: recipients, raw: bytes.Clone(msg)})
	return nil
}

type fakeAccounts map[string]accounts.Account

func (f fakeAccounts) Get(_ context.Context, name string) (accounts.Account, error) {
	a, ok := f[name]
	if !ok {
		return accounts.Account{}, mailerr.NotFound("account %q not found", name)
	}
	return a, nil
}

func newTestService(t *testing.T, srv *fakeServer) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := session.NewPool(srv, session.Config{}, nil, logger)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	accts := fakeAccounts{
		"work": {
			Name:         "work",
			FullName:     "Ada Lovelace",
			EmailAddress: "ada@example.com",
			UserName:     "ada",
			Password:     "secret",
			IMAPHost:     "imap.example.com",
			IMAPPort:     993,
			IMAPTLS:      true,
			SMTPHost:     "smtp.example.com",
			SMTPPort:     465,
			SMTPTLS:      true,
		},
	}
	pool.ResolveAccountsWith(accts)
	return NewService(accts, pool, nil, logger)
}

func simpleMessage(uid uint32, subject string, from mailproto.Address, seen bool) *fakeMessage {
	m := &fakeMessage{
		uid:     uid,
		subject: subject,
		from:    from,
		date:    baseDate.Add(time.Duration(uid) * time.Hour),
		flags:   []string{},
	}
	if seen {
		m.flags = append(m.flags, flagSeen)
	}
	m.raw = []byte(fmt.Sprintf("From: %s <%s>\r\nTo: ada@example.com\r\nSubject: %s\r\nDate: %s\r\n"+
		"Message-ID: <%d@example.com>\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nbody of %d\r\n",
		from.Name, from.Email, subject, m.date.Format(time.RFC1123Z), uid, uid))
	return m
}

// inbox holds uids 101..125; even uids are read
func inbox() []*fakeMessage {
	var msgs []*fakeMessage
	for uid := uint32(101); uid <= 125; uid++ {
		msgs = append(msgs, simpleMessage(uid, fmt.Sprintf("Report %d", uid),
			mailproto.Address{Name: "Grace Hopper", Email: "grace@example.org"}, uid%2 == 0))
	}
	return msgs
}

func uidsOf(msgs []MessageSummary) []uint32 {
	out := make([]uint32, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.UID)
	}
	return out
}

func TestListMessages_UnreadNewestFirst(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7, inbox()...)
	svc := newTestService(t, srv)

	page, err := svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: 1, PageSize: 10, UnreadOnly: true})
	require.NoError(t, err)

	assert.Equal(t, "work", page.Account)
	assert.Equal(t, "INBOX", page.Mailbox)
	assert.Equal(t, uint32(7), page.UIDValidity)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 10, page.PageSize)
	assert.Equal(t, 13, page.TotalCount)
	assert.True(t, page.HasMore)
	assert.Equal(t, []uint32{125, 123, 121, 119, 117, 115, 113, 111, 109, 107}, uidsOf(page.Messages))
	for _, m := range page.Messages {
		assert.False(t, m.IsRead)
		assert.Equal(t, "Grace Hopper <grace@example.org>", m.Sender)
	}

	page, err = svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: 2, PageSize: 10, UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []uint32{105, 103, 101}, uidsOf(page.Messages))
	assert.False(t, page.HasMore)
}

func TestListMessages_TotalIndependentOfPageSize(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7, inbox()...)
	svc := newTestService(t, srv)

	for _, size := range []int{1, 5, 25, 100} {
		page, err := svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: 1, PageSize: size})
		require.NoError(t, err)
		assert.Equal(t, 25, page.TotalCount, "page size %d", size)
		assert.Len(t, page.Messages, min(size, 25))
	}
}

func TestListMessages_StableAcrossCalls(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7, inbox()...)
	svc := newTestService(t, srv)

	opts := ListOptions{Account: "work", Page: 2, PageSize: 7}
	first, err := svc.ListMessages(context.Background(), opts)
	require.NoError(t, err)
	second, err := svc.ListMessages(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, srv.imapDials, "session is reused")
}

func TestListMessages_PagePastEndIsEmpty(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7, inbox()...)
	svc := newTestService(t, srv)

	page, err := svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: 9, PageSize: 10})
	require.NoError(t, err)
	assert.NotNil(t, page.Messages)
	assert.Empty(t, page.Messages)
	assert.Equal(t, 25, page.TotalCount)
	assert.False(t, page.HasMore)
}

func TestListMessages_HugePageIsEmpty(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7, inbox()...)
	svc := newTestService(t, srv)

	for _, tt := range []struct{ page, size int }{
		{math.MaxInt, 10},
		{math.MaxInt, MaxPageSize},
		{math.MaxInt / 10, 10},
		{math.MaxInt32, 1},
	} {
		page, err := svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: tt.page, PageSize: tt.size})
		require.NoError(t, err, "page %d size %d", tt.page, tt.size)
		assert.Empty(t, page.Messages)
		assert.Equal(t, 25, page.TotalCount)
		assert.False(t, page.HasMore)
	}
	assert.Equal(t, 1, srv.imapDials, "session survives")
}

func TestListMessages_LastPage(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7, inbox()...)
	svc := newTestService(t, srv)

	page, err := svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 5)
	assert.False(t, page.HasMore)

	page, err = svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: 5, PageSize: 5})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 5)
	assert.False(t, page.HasMore)

	page, err = svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: 4, PageSize: 5})
	require.NoError(t, err)
	assert.True(t, page.HasMore)
}

func TestPageWindow(t *testing.T) {
	uids := []uint32{9, 8, 7, 6, 5}
	assert.Equal(t, []uint32{9, 8}, pageWindow(uids, 1, 2))
	assert.Equal(t, []uint32{5}, pageWindow(uids, 3, 2))
	assert.Nil(t, pageWindow(uids, 4, 2))
	assert.Nil(t, pageWindow(uids, math.MaxInt, 2))
	assert.Nil(t, pageWindow(nil, 1, 10))
}

func TestNewListOptions(t *testing.T) {
	opts := NewListOptions("work")
	assert.Equal(t, ListOptions{Account: "work", Mailbox: DefaultMailbox, Page: DefaultPage, PageSize: DefaultPageSize}, opts)
}

func TestListMessages_InvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		opts ListOptions
	}{
		{name: "missing account", opts: ListOptions{Page: 1, PageSize: 10}},
		{name: "page zero", opts: ListOptions{Account: "work", Page: 0, PageSize: 10}},
		{name: "negative page", opts: ListOptions{Account: "work", Page: -1, PageSize: 10}},
		{name: "page size zero", opts: ListOptions{Account: "work", Page: 1, PageSize: 0}},
		{name: "page size too large", opts: ListOptions{Account: "work", Page: 1, PageSize: MaxPageSize + 1}},
		{name: "negative page size", opts: ListOptions{Account: "work", Page: 1, PageSize: -3}},
		{name: "malformed since", opts: ListOptions{Account: "work", Page: 1, PageSize: 10, Since: "2025-13-01"}},
		{name: "malformed before", opts: ListOptions{Account: "work", Page: 1, PageSize: 10, Before: "yesterday"}},
		{name: "since after before", opts: ListOptions{Account: "work", Page: 1, PageSize: 10, Since: "2025-03-05", Before: "2025-03-01"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			srv.addMailbox("INBOX", 7, inbox()...)
			svc := newTestService(t, srv)

			_, err := svc.ListMessages(context.Background(), tt.opts)
			require.Error(t, err)
			assert.Equal(t, mailerr.KindInvalidArgument, mailerr.KindOf(err))
			assert.Zero(t, srv.imapDials)
		})
	}
}

func TestListMessages_UnknownAccount(t *testing.T) {
	srv := newFakeServer()
	svc := newTestService(t, srv)

	_, err := svc.ListMessages(context.Background(), NewListOptions("nobody"))
	require.Error(t, err)
	assert.Equal(t, mailerr.KindNotFound, mailerr.KindOf(err))
	assert.Zero(t, srv.imapDials)
}

func TestListMessages_UnknownMailbox(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7)
	svc := newTestService(t, srv)

	_, err := svc.ListMessages(context.Background(), ListOptions{Account: "work", Mailbox: "Nope", Page: 1, PageSize: 10})
	require.Error(t, err)
	assert.Equal(t, mailerr.KindNotFound, mailerr.KindOf(err))
}

func TestListMessages_DateRange(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7,
		&fakeMessage{uid: 1, date: time.Date(2025, 2, 27, 12, 0, 0, 0, time.UTC)},
		&fakeMessage{uid: 2, date: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		&fakeMessage{uid: 3, date: time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)},
	)
	svc := newTestService(t, srv)

	page, err := svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: 1, PageSize: 10, Since: "2025-02-28", Before: "2025-03-03"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, uidsOf(page.Messages))
}

func TestListMessages_FiltersLocallyWhenServerRejectsSearch(t *testing.T) {
	srv := newFakeServer()
	srv.textSearchUnsupported = true
	srv.addMailbox("INBOX", 7,
		simpleMessage(1, "Invoice March", mailproto.Address{Name: "Billing", Email: "billing@shop.example"}, false),
		simpleMessage(2, "Lunch?", mailproto.Address{Name: "Grace", Email: "grace@example.org"}, false),
		simpleMessage(3, "Your INVOICE", mailproto.Address{Name: "Billing", Email: "billing@shop.example"}, true),
		simpleMessage(4, "invoice reminder", mailproto.Address{Name: "Grace", Email: "grace@example.org"}, false),
	)
	svc := newTestService(t, srv)

	page, err := svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: 1, PageSize: 10, SubjectFilter: "invoice"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{4, 3, 1}, uidsOf(page.Messages))
	assert.Equal(t, 3, page.TotalCount)

	page, err = svc.ListMessages(context.Background(), ListOptions{Account: "work", Page: 1, PageSize: 10, SubjectFilter: "invoice", SenderFilter: "BILLING", UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, uidsOf(page.Messages))
}

func TestListMessages_RetriesAfterConnectionLoss(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7, inbox()...)
	srv.imapFailures = []error{mailerr.Wrap(mailerr.KindConnection, mailproto.OpIMAP, io.ErrUnexpectedEOF, "connection lost")}
	svc := newTestService(t, srv)

	page, err := svc.ListMessages(context.Background(), NewListOptions("work"))
	require.NoError(t, err)
	assert.Len(t, page.Messages, 10)
	assert.Equal(t, 2, srv.imapDials)
}

func TestListMessages_RetriesOnce(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7, inbox()...)
	lost := mailerr.Wrap(mailerr.KindConnection, mailproto.OpIMAP, io.ErrUnexpectedEOF, "connection lost")
	srv.imapFailures = []error{lost, lost, lost}
	svc := newTestService(t, srv)

	_, err := svc.ListMessages(context.Background(), NewListOptions("work"))
	require.Error(t, err)
	assert.Equal(t, mailerr.KindConnection, mailerr.KindOf(err))
	assert.Equal(t, 2, srv.imapDials)
}

const multipartRaw = "From: Grace Hopper <grace@example.org>\r\n" +
	"To: Ada Lovelace <ada@example.com>, team@example.com\r\n" +
	"Cc: boss@example.com\r\n" +
	"Subject: Quarterly numbers\r\n" +
	"Date: Mon, 03 Mar 2025 10:00:00 +0000\r\n" +
	"Message-ID: <q1@example.org>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See attached.\r\n" +
	"--outer\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>See attached.</p>\r\n" +
	"--outer\r\n" +
	"Content-Type: text/csv\r\n" +
	"Content-Disposition: attachment; filename=\"q1.csv\"\r\n" +
	"\r\n" +
	"a,b\r\n1,2\r\n" +
	"--outer--\r\n"

func TestGetMessage_ParsesMultipart(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7, &fakeMessage{uid: 42, flags: []string{}, raw: []byte(multipartRaw)})
	svc := newTestService(t, srv)

	msg, err := svc.GetMessage(context.Background(), GetOptions{Account: "work", UID: 42})
	require.NoError(t, err)

	assert.Equal(t, uint32(42), msg.UID)
	assert.Equal(t, uint32(7), msg.UIDValidity)
	assert.Equal(t, "Quarterly numbers", msg.Subject)
	assert.Equal(t, "Grace Hopper <grace@example.org>", msg.Sender)
	assert.Equal(t, []string{"Ada Lovelace <ada@example.com>", "team@example.com"}, msg.To)
	assert.Equal(t, []string{"boss@example.com"}, msg.Cc)
	assert.Equal(t, "q1@example.org", msg.MessageID)
	assert.Equal(t, "See attached.", strings.TrimSpace(msg.TextBody))
	assert.Equal(t, "<p>See attached.</p>", strings.TrimSpace(msg.HTMLBody))
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "q1.csv", msg.Attachments[0].Filename)
	assert.Equal(t, "text/csv", msg.Attachments[0].ContentType)
	assert.True(t, msg.HasAttachments)
	assert.False(t, msg.IsRead)
}

func TestGetMessage_LeavesSeenFlagUnlessAsked(t *testing.T) {
	srv := newFakeServer()
	m := simpleMessage(5, "hello", mailproto.Address{Email: "grace@example.org"}, false)
	srv.addMailbox("INBOX", 7, m)
	svc := newTestService(t, srv)

	msg, err := svc.GetMessage(context.Background(), GetOptions{Account: "work", UID: 5})
	require.NoError(t, err)
	assert.False(t, msg.IsRead)
	assert.NotContains(t, m.flags, flagSeen)

	msg, err = svc.GetMessage(context.Background(), GetOptions{Account: "work", UID: 5, MarkAsRead: true})
	require.NoError(t, err)
	assert.True(t, msg.IsRead)
	assert.Contains(t, msg.Flags, flagSeen)
	assert.Contains(t, m.flags, flagSeen)
}

func TestGetMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts GetOptions
		want mailerr.Kind
	}{
		{name: "zero uid", opts: GetOptions{Account: "work"}, want: mailerr.KindInvalidArgument},
		{name: "unknown uid", opts: GetOptions{Account: "work", UID: 999}, want: mailerr.KindNotFound},
		{name: "stale uid validity", opts: GetOptions{Account: "work", UID: 5, UIDValidity: 6}, want: mailerr.KindStaleReference},
		{name: "unknown account", opts: GetOptions{Account: "nobody", UID: 5}, want: mailerr.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			srv.addMailbox("INBOX", 7, simpleMessage(5, "hello", mailproto.Address{Email: "grace@example.org"}, false))
			svc := newTestService(t, srv)

			_, err := svc.GetMessage(context.Background(), tt.opts)
			require.Error(t, err)
			assert.Equal(t, tt.want, mailerr.KindOf(err))
		})
	}
}

func TestGetMessage_MatchingUIDValidity(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 7, simpleMessage(5, "hello", mailproto.Address{Email: "grace@example.org"}, false))
	svc := newTestService(t, srv)

	msg, err := svc.GetMessage(context.Background(), GetOptions{Account: "work", UID: 5, UIDValidity: 7})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Subject)
	assert.Equal(t, "body of 5", strings.TrimSpace(msg.TextBody))
}

func TestSendMessage_Receipt(t *testing.T) {
	srv := newFakeServer()
	svc := newTestService(t, srv)

	receipt, err := svc.SendMessage(context.Background(), SendOptions{
		Account: "work",
		To:      []string{"Grace Hopper <grace@example.org>"},
		Cc:      []string{"team@example.com"},
		Bcc:     []string{"auditor@example.net", "grace@example.org"},
		Subject: "Status",
		Body:    "All systems nominal.",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusAcceptedForDelivery, receipt.Status)
	assert.Equal(t, "work", receipt.Account)
	assert.NotEmpty(t, receipt.MessageID)
	assert.Equal(t, []string{"grace@example.org", "team@example.com", "auditor@example.net"}, receipt.AcceptedRecipients)

	require.Len(t, srv.sent, 1)
	sent := srv.sent[0]
	assert.Equal(t, "ada@example.com", sent.from)
	assert.Equal(t, receipt.AcceptedRecipients, sent.recipients)
	assert.NotContains(t, strings.ToLower(string(sent.raw)), "auditor@example.net")
	assert.NotContains(t, strings.ToLower(string(sent.raw)), "bcc:")

	msg, err := parseMessage(sent.raw)
	require.NoError(t, err)
	assert.Equal(t, "Status", msg.Subject)
	assert.Equal(t, "Ada Lovelace <ada@example.com>", msg.Sender)
	assert.Equal(t, receipt.MessageID, msg.MessageID)
	assert.Equal(t, "All systems nominal.", strings.TrimSpace(msg.TextBody))
}

func TestSendMessage_Attachments(t *testing.T) {
	srv := newFakeServer()
	svc := newTestService(t, srv)

	_, err := svc.SendMessage(context.Background(), SendOptions{
		Account: "work",
		To:      []string{"grace@example.org"},
		Subject: "Report",
		Body:    "<b>attached</b>",
		IsHTML:  true,
		Attachments: []Attachment{
			{Filename: "notes.pdf", Content: "aGVsbG8gd29ybGQ="},
			{Filename: "data.bin", ContentType: "application/x-custom", Content: "AAEC"},
		},
	})
	require.NoError(t, err)
	require.Len(t, srv.sent, 1)

	msg, err := parseMessage(srv.sent[0].raw)
	require.NoError(t, err)
	assert.Equal(t, "<b>attached</b>", strings.TrimSpace(msg.HTMLBody))
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "notes.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].ContentType)
	assert.Equal(t, int64(11), msg.Attachments[0].Size)
	assert.Equal(t, "application/x-custom", msg.Attachments[1].ContentType)
	assert.Equal(t, int64(3), msg.Attachments[1].Size)
}

func TestSendMessage_InvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		opts SendOptions
	}{
		{name: "no recipients", opts: SendOptions{Account: "work", Subject: "x"}},
		{name: "bad recipient", opts: SendOptions{Account: "work", To: []string{"not an address"}}},
		{name: "bad bcc", opts: SendOptions{Account: "work", To: []string{"a@example.com"}, Bcc: []string{"@@"}}},
		{name: "attachment without name", opts: SendOptions{Account: "work", To: []string{"a@example.com"},
			Attachments: []Attachment{{Content: "AAEC"}}}},
		{name: "attachment not base64", opts: SendOptions{Account: "work", To: []string{"a@example.com"},
			Attachments: []Attachment{{Filename: "x.bin", Content: "%%%"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			svc := newTestService(t, srv)

			_, err := svc.SendMessage(context.Background(), tt.opts)
			require.Error(t, err)
			assert.Equal(t, mailerr.KindInvalidArgument, mailerr.KindOf(err))
			assert.Zero(t, srv.smtpDials)
		})
	}
}

func TestSendMessage_RetriesFailedConnect(t *testing.T) {
	srv := newFakeServer()
	srv.dialErrs = []error{mailerr.Wrap(mailerr.KindConnection, session.OpConnect, errors.New("connection refused"), "could not connect")}
	svc := newTestService(t, srv)

	_, err := svc.SendMessage(context.Background(), SendOptions{Account: "work", To: []string{"grace@example.org"}, Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, srv.smtpDials)
	assert.Len(t, srv.sent, 1)
}

func TestSendMessage_RetriesEnvelopeConnectionLoss(t *testing.T) {
	srv := newFakeServer()
	srv.sendErrs = []error{mailerr.Wrap(mailerr.KindConnection, mailproto.OpSMTPEnvelope, io.ErrUnexpectedEOF, "connection lost")}
	svc := newTestService(t, srv)

	receipt, err := svc.SendMessage(context.Background(), SendOptions{Account: "work", To: []string{"grace@example.org"}, Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, srv.sendAttempts)
	require.Len(t, srv.sent, 1)

	msg, err := parseMessage(srv.sent[0].raw)
	require.NoError(t, err)
	assert.Equal(t, receipt.MessageID, msg.MessageID)
}

func TestSendMessage_NoRetryAfterData(t *testing.T) {
	srv := newFakeServer()
	srv.sendErrs = []error{mailerr.Wrap(mailerr.KindConnection, mailproto.OpSMTPData, io.ErrUnexpectedEOF, "connection lost")}
	svc := newTestService(t, srv)

	_, err := svc.SendMessage(context.Background(), SendOptions{Account: "work", To: []string{"grace@example.org"}, Body: "hi"})
	require.Error(t, err)
	assert.Equal(t, mailerr.KindConnection, mailerr.KindOf(err))
	assert.Equal(t, 1, srv.sendAttempts)
	assert.Empty(t, srv.sent)
}

func TestSendMessage_RejectedRecipientNotRetried(t *testing.T) {
	srv := newFakeServer()
	srv.sendErrs = []error{mailerr.Wrap(mailerr.KindInvalidArgument, mailproto.OpSMTPEnvelope, errors.New("550"), "recipient rejected")}
	svc := newTestService(t, srv)

	_, err := svc.SendMessage(context.Background(), SendOptions{Account: "work", To: []string{"nobody@example.org"}, Body: "hi"})
	require.Error(t, err)
	assert.Equal(t, mailerr.KindInvalidArgument, mailerr.KindOf(err))
	assert.Equal(t, 1, srv.sendAttempts)
}

func TestMarkMessage_Batch(t *testing.T) {
	srv := newFakeServer()
	msgs := inbox()
	srv.addMailbox("INBOX", 7, msgs...)
	svc := newTestService(t, srv)

	report, err := svc.MarkMessage(context.Background(), MarkOptions{Account: "work", UIDs: []uint32{103, 999, 103, 104}, Read: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 1, report.NotFound)
	assert.Equal(t, []MarkResult{
		{UID: 103, Status: MarkUpdated},
		{UID: 104, Status: MarkUpdated},
		{UID: 999, Status: MarkNotFound},
	}, report.Results)
	assert.Equal(t, []string{flagSeen}, msgs[2].flags)
	assert.Equal(t, []string{flagSeen}, msgs[3].flags)
}

func TestMarkMessage_Idempotent(t *testing.T) {
	srv := newFakeServer()
	msgs := inbox()
	srv.addMailbox("INBOX", 7, msgs...)
	svc := newTestService(t, srv)

	for range 2 {
		report, err := svc.MarkMessage(context.Background(), MarkOptions{Account: "work", UIDs: []uint32{101}, Read: true})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Updated)
	}
	assert.Equal(t, []string{flagSeen}, msgs[0].flags)

	for range 2 {
		_, err := svc.MarkMessage(context.Background(), MarkOptions{Account: "work", UIDs: []uint32{101}, Read: false})
		require.NoError(t, err)
	}
	assert.Empty(t, msgs[0].flags)
}

func TestMarkMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts MarkOptions
		want mailerr.Kind
	}{
		{name: "no uids", opts: MarkOptions{Account: "work"}, want: mailerr.KindInvalidArgument},
		{name: "zero uid", opts: MarkOptions{Account: "work", UIDs: []uint32{101, 0}}, want: mailerr.KindInvalidArgument},
		{name: "none exist", opts: MarkOptions{Account: "work", UIDs: []uint32{998, 999}}, want: mailerr.KindNotFound},
		{name: "stale uid validity", opts: MarkOptions{Account: "work", UIDs: []uint32{101}, UIDValidity: 3}, want: mailerr.KindStaleReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			srv.addMailbox("INBOX", 7, inbox()...)
			svc := newTestService(t, srv)

			_, err := svc.MarkMessage(context.Background(), tt.opts)
			require.Error(t, err)
			assert.Equal(t, tt.want, mailerr.KindOf(err))
		})
	}
}

func TestListMailboxes_ServerOrder(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 1)
	srv.addMailbox("Sent", 2)
	srv.addMailbox("Archive/2024", 3)
	svc := newTestService(t, srv)

	boxes, err := svc.ListMailboxes(context.Background(), "work")
	require.NoError(t, err)

	names := make([]string, 0, len(boxes))
	for _, b := range boxes {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"INBOX", "Sent", "Archive/2024"}, names)
}

func TestService_SessionsArePerProtocol(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 1)
	svc := newTestService(t, srv)

	_, err := svc.ListMailboxes(context.Background(), "work")
	require.NoError(t, err)
	_, err = svc.SendMessage(context.Background(), SendOptions{Account: "work", To: []string{"grace@example.org"}})
	require.NoError(t, err)
	_, err = svc.ListMailboxes(context.Background(), "work")
	require.NoError(t, err)

	assert.Equal(t, 1, srv.imapDials)
	assert.Equal(t, 1, srv.smtpDials)
}

func TestService_CancelledContext(t *testing.T) {
	srv := newFakeServer()
	srv.addMailbox("INBOX", 1)
	svc := newTestService(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.ListMailboxes(ctx, "work")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
