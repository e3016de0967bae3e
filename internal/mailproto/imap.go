package mailproto

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/session"
)

// IMAPClient is an authenticated IMAP session
type IMAPClient struct {
	client *imapclient.Client
	conn   net.Conn
}

var _ IMAPSession = (*IMAPClient)(nil)

func (d *Dialer) dialIMAP(ctx context.Context, acct accounts.Account) (*IMAPClient, error) {
	cfg := tlsConfig(acct.IMAPHost, acct.TLSSkipVerify)
	conn, err := d.connect(ctx, acct.IMAPAddr(), acct.IMAPHost, acct.IMAPTLS, cfg)
	if err != nil {
		return nil, err
	}

	var startTLS *tls.Config
	if !acct.IMAPTLS {
		startTLS = cfg
	}
	return d.handshakeIMAP(ctx, conn, acct, startTLS)
}

// handshakeIMAP upgrades the connection when startTLS is set and logs in.
// conn is closed on failure.
func (d *Dialer) handshakeIMAP(ctx context.Context, conn net.Conn, acct accounts.Account, startTLS *tls.Config) (*IMAPClient, error) {
	release := bindDeadline(ctx, conn)
	defer release()

	opts := &imapclient.Options{}
	if w := d.traceWriter(session.IMAP, acct); w != nil {
		opts.DebugWriter = w
	}

	var client *imapclient.Client
	if startTLS == nil {
		client = imapclient.New(conn, opts)
	} else {
		opts.TLSConfig = startTLS
		var err error
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return nil, connectError(err, "STARTTLS with %s failed", acct.IMAPHost)
		}
	}

	if err := client.Login(acct.UserName, acct.Password).Wait(); err != nil {
		client.Close()
		return nil, loginError(err, acct)
	}

	return &IMAPClient{client: client, conn: conn}, nil
}

// loginError separates rejected credentials from transport failures
func loginError(err error, acct accounts.Account) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
		return mailerr.Wrap(mailerr.KindAuthentication, session.OpConnect, err,
			fmt.Sprintf("IMAP server %s rejected the credentials of account %q", acct.IMAPHost, acct.Name))
	}
	return connectError(err, "IMAP login to %s failed", acct.IMAPHost)
}

// commandError classifies the failure of a command on an established
// session. Server refusals keep the connection; anything else drops it.
func commandError(err error, msg string) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return mailerr.Wrap(mailerr.KindConnection, OpIMAP, err, msg)
}

// Select opens mailbox
func (c *IMAPClient) Select(ctx context.Context, mailbox string, readOnly bool) (MailboxInfo, error) {
	defer bindDeadline(ctx, c.conn)()

	data, err := c.client.Select(mailbox, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
			return MailboxInfo{}, mailerr.Wrap(mailerr.KindNotFound, OpIMAP, err,
				fmt.Sprintf("mailbox %q not found", mailbox))
		}
		return MailboxInfo{}, commandError(err, "select "+mailbox)
	}

	return MailboxInfo{
		Name:        mailbox,
		UIDValidity: data.UIDValidity,
		NumMessages: data.NumMessages,
	}, nil
}

// Search returns the UIDs matching criteria in the selected mailbox, in
// ascending order
func (c *IMAPClient) Search(ctx context.Context, criteria SearchCriteria) ([]uint32, error) {
	defer bindDeadline(ctx, c.conn)()

	data, err := c.client.UIDSearch(toIMAPCriteria(criteria), nil).Wait()
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && criteria.HasText() {
			return nil, fmt.Errorf("%w: %s", ErrSearchUnsupported, imapErr.Text)
		}
		return nil, commandError(err, "search")
	}

	all := data.AllUIDs()
	uids := make([]uint32, len(all))
	for i, uid := range all {
		uids[i] = uint32(uid)
	}
	return uids, nil
}

func toIMAPCriteria(c SearchCriteria) *imap.SearchCriteria {
	crit := &imap.SearchCriteria{}
	if c.Unseen {
		crit.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	if c.Subject != "" {
		crit.Header = append(crit.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: c.Subject})
	}
	if c.From != "" {
		crit.Header = append(crit.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: c.From})
	}
	if !c.Since.IsZero() {
		crit.Since = c.Since
	}
	if !c.Before.IsZero() {
		crit.Before = c.Before
	}
	if len(c.UIDs) > 0 {
		crit.UID = []imap.UIDSet{uidSet(c.UIDs)}
	}
	return crit
}

func uidSet(uids []uint32) imap.UIDSet {
	set := make([]imap.UID, len(uids))
	for i, uid := range uids {
		set[i] = imap.UID(uid)
	}
	return imap.UIDSetNum(set...)
}

// FetchSummaries fetches envelopes for uids. Missing UIDs are skipped.
func (c *IMAPClient) FetchSummaries(ctx context.Context, uids []uint32) ([]Summary, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	defer bindDeadline(ctx, c.conn)()

	opts := &imap.FetchOptions{
		UID:           true,
		Flags:         true,
		Envelope:      true,
		RFC822Size:    true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
	}
	msgs, err := c.client.Fetch(uidSet(uids), opts).Collect()
	if err != nil {
		return nil, commandError(err, "fetch envelopes")
	}

	out := make([]Summary, 0, len(msgs))
	for _, m := range msgs {
		s := Summary{
			UID:            uint32(m.UID),
			Flags:          flagStrings(m.Flags),
			Size:           m.RFC822Size,
			HasAttachments: hasAttachment(m.BodyStructure),
		}
		if env := m.Envelope; env != nil {
			s.Subject = env.Subject
			s.Date = env.Date
			s.MessageID = env.MessageID
			s.From = addresses(env.From)
			s.To = addresses(env.To)
			s.Cc = addresses(env.Cc)
		}
		out = append(out, s)
	}
	return out, nil
}

// FetchRaw fetches the full message. Unless markSeen is set the \Seen flag
// is left alone.
func (c *IMAPClient) FetchRaw(ctx context.Context, uid uint32, markSeen bool) (*RawMessage, error) {
	defer bindDeadline(ctx, c.conn)()

	section := &imap.FetchItemBodySection{Peek: !markSeen}
	opts := &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{section},
	}
	msgs, err := c.client.Fetch(uidSet([]uint32{uid}), opts).Collect()
	if err != nil {
		return nil, commandError(err, "fetch message")
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	m := msgs[0]
	return &RawMessage{
		UID:   uint32(m.UID),
		Flags: flagStrings(m.Flags),
		Size:  m.RFC822Size,
		Body:  m.FindBodySection(section),
	}, nil
}

// StoreSeen sets or clears \Seen on uids
func (c *IMAPClient) StoreSeen(ctx context.Context, uids []uint32, seen bool) error {
	if len(uids) == 0 {
		return nil
	}
	defer bindDeadline(ctx, c.conn)()

	op := imap.StoreFlagsDel
	if seen {
		op = imap.StoreFlagsAdd
	}
	store := &imap.StoreFlags{Op: op, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}
	if err := c.client.Store(uidSet(uids), store, nil).Close(); err != nil {
		return commandError(err, "store flags")
	}
	return nil
}

// ListMailboxes lists every mailbox of the account
func (c *IMAPClient) ListMailboxes(ctx context.Context) ([]MailboxEntry, error) {
	defer bindDeadline(ctx, c.conn)()

	list, err := c.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, commandError(err, "list mailboxes")
	}

	out := make([]MailboxEntry, 0, len(list))
	for _, mb := range list {
		e := MailboxEntry{Name: mb.Mailbox}
		if mb.Delim != 0 {
			e.Delimiter = string(mb.Delim)
		}
		for _, attr := range mb.Attrs {
			e.Attributes = append(e.Attributes, string(attr))
		}
		out = append(out, e)
	}
	return out, nil
}

// Noop checks that the session is alive
func (c *IMAPClient) Noop(ctx context.Context) error {
	defer bindDeadline(ctx, c.conn)()
	if err := c.client.Noop().Wait(); err != nil {
		return commandError(err, "noop")
	}
	return nil
}

// Close logs out and closes the connection. A failed logout is ignored.
func (c *IMAPClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	release := bindDeadline(ctx, c.conn)
	_ = c.client.Logout().Wait()
	release()

	if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

func addresses(in []imap.Address) []Address {
	if len(in) == 0 {
		return nil
	}
	out := make([]Address, 0, len(in))
	for _, a := range in {
		if a.IsGroupStart() || a.IsGroupEnd() {
			continue
		}
		out = append(out, Address{Name: a.Name, Email: a.Addr()})
	}
	return out
}

// hasAttachment reports whether any part is marked as an attachment
func hasAttachment(bs imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	found := false
	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		if disp := part.Disposition(); disp != nil && strings.EqualFold(disp.Value, "attachment") {
			found = true
		}
		return !found
	})
	return found
}
