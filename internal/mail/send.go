package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/session"
)

// Attachment is a file to send. Content is base64 encoded.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content"`
}

// SendOptions describes an outgoing message
type SendOptions struct {
	Account     string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string
	IsHTML      bool
	Attachments []Attachment
}

type attachmentData struct {
	filename    string
	contentType string
	params      map[string]string
	data        []byte
}

// outgoing is a validated SendOptions
type outgoing struct {
	to, cc, bcc []*mail.Address
	attachments []attachmentData
}

func (o SendOptions) validate() (*outgoing, error) {
	if err := requireAccount(o.Account); err != nil {
		return nil, err
	}
	if len(o.To) == 0 {
		return nil, mailerr.InvalidArgument("at least one recipient is required")
	}

	var out outgoing
	var err error
	if out.to, err = parseAddresses("recipients", o.To); err != nil {
		return nil, err
	}
	if out.cc, err = parseAddresses("cc", o.Cc); err != nil {
		return nil, err
	}
	if out.bcc, err = parseAddresses("bcc", o.Bcc); err != nil {
		return nil, err
	}

	for i, a := range o.Attachments {
		name := strings.TrimSpace(a.Filename)
		if name == "" {
			return nil, mailerr.InvalidArgument("attachment %d has no filename", i+1)
		}
		data, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, mailerr.InvalidArgument("attachment %q is not valid base64", name)
		}
		ct := a.ContentType
		if ct == "" {
			ct = mime.TypeByExtension(filepath.Ext(name))
		}
		if ct == "" {
			ct = "application/octet-stream"
		}
		mediaType, params, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, mailerr.InvalidArgument("attachment %q has invalid content type %q", name, ct)
		}
		out.attachments = append(out.attachments, attachmentData{filename: name, contentType: mediaType, params: params, data: data})
	}
	return &out, nil
}

func parseAddresses(field string, in []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(in))
	for _, raw := range in {
		raw = strings.TrimSpace(raw)
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, mailerr.InvalidArgument("invalid address %q in %s", raw, field)
		}
		out = append(out, addr)
	}
	return out, nil
}

// envelopeRecipients lists every distinct recipient address, Bcc included
func (o *outgoing) envelopeRecipients() []string {
	seen := make(map[string]bool)
	var rcpts []string
	for _, list := range [][]*mail.Address{o.to, o.cc, o.bcc} {
		for _, a := range list {
			key := strings.ToLower(a.Address)
			if !seen[key] {
				seen[key] = true
				rcpts = append(rcpts, a.Address)
			}
		}
	}
	return rcpts
}

// SendMessage submits a message in one SMTP transaction. Either every
// recipient is accepted and the message is sent, or nothing is sent.
func (s *Service) SendMessage(ctx context.Context, opts SendOptions) (*SendReceipt, error) {
	out, err := opts.validate()
	if err != nil {
		return nil, err
	}
	rcpts := out.envelopeRecipients()

	var raw []byte
	var messageID string
	err = s.run(ctx, opts.Account, session.SMTP, instrumentation.OperationSendMessage, sendRetryable,
		func(ctx context.Context, acct accounts.Account, c session.Conn) error {
			sc, err := smtpSession(c)
			if err != nil {
				return err
			}
			// Composed once so that a retry sends the same Message-ID
			if raw == nil {
				raw, messageID, err = s.compose(acct, opts, out)
				if err != nil {
					return err
				}
			}
			return sc.Send(ctx, acct.EmailAddress, rcpts, raw)
		})
	if err != nil {
		return nil, err
	}

	return &SendReceipt{
		Status:             StatusAcceptedForDelivery,
		Account:            opts.Account,
		MessageID:          messageID,
		AcceptedRecipients: rcpts,
	}, nil
}

// compose renders the message. Bcc recipients never appear in the headers.
func (s *Service) compose(acct accounts.Account, opts SendOptions, out *outgoing) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{acct.FromAddress()})
	h.SetAddressList("To", out.to)
	if len(out.cc) > 0 {
		h.SetAddressList("Cc", out.cc)
	}
	h.SetSubject(opts.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generating message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("reading message id: %w", err)
	}

	bodyType := "text/plain"
	if opts.IsHTML {
		bodyType = "text/html"
	}

	var buf bytes.Buffer
	if len(out.attachments) == 0 {
		h.SetContentType(bodyType, map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, "", fmt.Errorf("creating message: %w", err)
		}
		if err := writeAndClose(w, []byte(opts.Body)); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), messageID, nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("creating message: %w", err)
	}

	var ih mail.InlineHeader
	ih.SetContentType(bodyType, map[string]string{"charset": "utf-8"})
	ih.Set("Content-Transfer-Encoding", "quoted-printable")
	bw, err := mw.CreateSingleInline(ih)
	if err != nil {
		return nil, "", fmt.Errorf("creating message body: %w", err)
	}
	if err := writeAndClose(bw, []byte(opts.Body)); err != nil {
		return nil, "", err
	}

	for _, a := range out.attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(a.contentType, a.params)
		ah.SetFilename(a.filename)
		ah.Set("Content-Transfer-Encoding", "base64")
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, "", fmt.Errorf("creating attachment %q: %w", a.filename, err)
		}
		if err := writeAndClose(aw, a.data); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("finishing message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func writeAndClose(w io.WriteCloser, data []byte) error {
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}
