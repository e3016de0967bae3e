package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/session"
)

// maxInlineBody caps each text body returned to clients
const maxInlineBody = 1 << 20

// GetOptions addresses one message
type GetOptions struct {
	Account    string
	UID        uint32
	Mailbox    string
	MarkAsRead bool

	// UIDValidity, when non-zero, must match the mailbox's current value
	UIDValidity uint32
}

// GetMessage retrieves and parses a message. Unless MarkAsRead is set the
// message's \Seen flag is left untouched.
func (s *Service) GetMessage(ctx context.Context, opts GetOptions) (*Message, error) {
	if err := requireAccount(opts.Account); err != nil {
		return nil, err
	}
	if opts.UID == 0 {
		return nil, mailerr.InvalidArgument("uid must be a positive integer")
	}
	if opts.Mailbox == "" {
		opts.Mailbox = DefaultMailbox
	}

	var msg *Message
	err := s.run(ctx, opts.Account, session.IMAP, instrumentation.OperationGetMessage, mailerr.IsRetryable,
		func(ctx context.Context, acct accounts.Account, c session.Conn) error {
			ic, err := imapSession(c)
			if err != nil {
				return err
			}

			info, err := selectMailbox(ctx, ic, opts.Mailbox, !opts.MarkAsRead)
			if err != nil {
				return err
			}
			if err := checkUIDValidity(opts.Mailbox, opts.UIDValidity, info); err != nil {
				return err
			}

			raw, err := ic.FetchRaw(ctx, opts.UID, opts.MarkAsRead)
			if err != nil {
				return err
			}
			if raw == nil {
				return mailerr.NotFound("message %d not found in mailbox %q", opts.UID, opts.Mailbox)
			}

			m, err := parseMessage(raw.Body)
			if err != nil {
				return err
			}
			m.UID = raw.UID
			m.Mailbox = opts.Mailbox
			m.UIDValidity = info.UIDValidity
			m.Size = raw.Size
			m.Flags = nonNil(raw.Flags)
			if opts.MarkAsRead && !slices.Contains(m.Flags, flagSeen) {
				m.Flags = append(m.Flags, flagSeen)
			}
			m.IsRead = slices.Contains(m.Flags, flagSeen)
			msg = m
			return nil
		})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// parseMessage extracts headers, bodies and attachment metadata. Parts that
// cannot be decoded are skipped rather than failing the whole message.
func parseMessage(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	m := &Message{To: []string{}}
	h := mr.Header

	if subject, err := h.Subject(); err == nil {
		m.Subject = subject
	} else {
		m.Subject = h.Get("Subject")
	}
	if from := addressList(h, "From"); len(from) > 0 {
		m.Sender = from[0]
	}
	m.To = append(m.To, addressList(h, "To")...)
	m.Cc = addressList(h, "Cc")
	if id, err := h.MessageID(); err == nil {
		m.MessageID = id
	}
	if date, err := h.Date(); err == nil {
		m.Date = formatDate(date)
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && (p == nil || !(message.IsUnknownCharset(err) || message.IsUnknownEncoding(err))) {
			break
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, _ := io.ReadAll(io.LimitReader(p.Body, maxInlineBody))
			switch {
			case strings.EqualFold(ct, "text/html") && m.HTMLBody == "":
				m.HTMLBody = string(body)
			case (ct == "" || strings.EqualFold(ct, "text/plain")) && m.TextBody == "":
				m.TextBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			n, _ := io.Copy(io.Discard, p.Body)
			m.Attachments = append(m.Attachments, AttachmentInfo{Filename: filename, ContentType: ct, Size: n})
		}
	}

	m.HasAttachments = len(m.Attachments) > 0
	return m, nil
}

func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			return []string{v}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatAddress(a.Name, a.Address))
	}
	return out
}
