package mailproto

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/session"
)

// SMTPClient is an authenticated SMTP session
type SMTPClient struct {
	client *smtp.Client
	conn   net.Conn
}

var _ SMTPSession = (*SMTPClient)(nil)

func (d *Dialer) dialSMTP(ctx context.Context, acct accounts.Account) (*SMTPClient, error) {
	cfg := tlsConfig(acct.SMTPHost, acct.TLSSkipVerify)
	conn, err := d.connect(ctx, acct.SMTPAddr(), acct.SMTPHost, acct.SMTPTLS, cfg)
	if err != nil {
		return nil, err
	}

	var startTLS *tls.Config
	if !acct.SMTPTLS {
		startTLS = cfg
	}
	c, err := d.handshakeSMTP(ctx, conn, acct, startTLS)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// handshakeSMTP greets the server, upgrades the connection when startTLS is
// set and authenticates
func (d *Dialer) handshakeSMTP(ctx context.Context, conn net.Conn, acct accounts.Account, startTLS *tls.Config) (*SMTPClient, error) {
	release := bindDeadline(ctx, conn)
	defer release()

	var client *smtp.Client
	if startTLS == nil {
		client = smtp.NewClient(conn)
	} else {
		// Greets, sends EHLO and upgrades; the EHLO below is repeated over TLS
		var err error
		client, err = smtp.NewClientStartTLS(conn, startTLS)
		if err != nil {
			return nil, connectError(err, "STARTTLS with %s failed", acct.SMTPHost)
		}
	}
	if d.CommandTimeout > 0 {
		client.CommandTimeout = d.CommandTimeout
		client.SubmissionTimeout = d.CommandTimeout
	}
	if w := d.traceWriter(session.SMTP, acct); w != nil {
		client.DebugWriter = w
	}

	if err := client.Hello(d.LocalName); err != nil {
		return nil, connectError(err, "SMTP greeting from %s failed", acct.SMTPHost)
	}

	if ok, _ := client.Extension("AUTH"); ok {
		if err := client.Auth(sasl.NewPlainClient("", acct.UserName, acct.Password)); err != nil {
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) && isAuthRejection(smtpErr.Code) {
				return nil, mailerr.Wrap(mailerr.KindAuthentication, session.OpConnect, err,
					fmt.Sprintf("SMTP server %s rejected the credentials of account %q", acct.SMTPHost, acct.Name))
			}
			return nil, connectError(err, "SMTP authentication with %s failed", acct.SMTPHost)
		}
	}

	return &SMTPClient{client: client, conn: conn}, nil
}

func isAuthRejection(code int) bool {
	switch code {
	case 530, 534, 535, 538:
		return true
	}
	return false
}

// Send runs one mail transaction
func (c *SMTPClient) Send(ctx context.Context, from string, recipients []string, msg []byte) error {
	defer bindDeadline(ctx, c.conn)()

	if err := c.client.Mail(from, nil); err != nil {
		return c.envelopeError(err, fmt.Sprintf("sender %s rejected", from))
	}
	for _, rcpt := range recipients {
		if err := c.client.Rcpt(rcpt, nil); err != nil {
			return c.envelopeError(err, fmt.Sprintf("recipient %s rejected", rcpt))
		}
	}

	w, err := c.client.Data()
	if err != nil {
		return c.envelopeError(err, "server refused message data")
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return dataError(err, "writing message data failed")
	}
	if err := w.Close(); err != nil {
		return dataError(err, "server rejected message")
	}
	return nil
}

// envelopeError classifies a failure before any message data was sent. A
// refused command leaves the session usable once the transaction is reset.
func (c *SMTPClient) envelopeError(err error, msg string) error {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return mailerr.Wrap(mailerr.KindConnection, OpSMTPEnvelope, err, msg)
	}
	if rerr := c.client.Reset(); rerr != nil {
		return mailerr.Wrap(mailerr.KindConnection, OpSMTPEnvelope, errors.Join(err, rerr), msg)
	}
	if smtpErr.Temporary() {
		return mailerr.Wrap(mailerr.KindConnection, OpSMTPEnvelope, err, msg+": "+smtpErr.Message)
	}
	return mailerr.Wrap(mailerr.KindInvalidArgument, OpSMTPEnvelope, err, msg+": "+smtpErr.Message)
}

func dataError(err error, msg string) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && !smtpErr.Temporary() {
		return mailerr.Wrap(mailerr.KindInvalidArgument, OpSMTPData, err, msg+": "+smtpErr.Message)
	}
	return mailerr.Wrap(mailerr.KindConnection, OpSMTPData, err, msg)
}

// Noop checks that the session is alive
func (c *SMTPClient) Noop(ctx context.Context) error {
	defer bindDeadline(ctx, c.conn)()
	if err := c.client.Noop(); err != nil {
		return mailerr.Wrap(mailerr.KindConnection, OpSMTPEnvelope, err, "noop")
	}
	return nil
}

// Close quits and closes the connection
func (c *SMTPClient) Close() error {
	_ = c.conn.SetDeadline(time.Now().Add(logoutTimeout))
	if err := c.client.Quit(); err != nil {
		if cerr := c.client.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			return cerr
		}
	}
	return nil
}
