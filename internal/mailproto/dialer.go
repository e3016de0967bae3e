package mailproto

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/logging"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/session"
)

const logoutTimeout = 5 * time.Second

// Dialer opens authenticated IMAP and SMTP sessions
type Dialer struct {
	// CommandTimeout bounds each SMTP command when no context deadline applies
	CommandTimeout time.Duration

	// LocalName is sent in EHLO
	LocalName string

	Logger *slog.Logger

	netDialer net.Dialer
}

// NewDialer creates a dialer
func NewDialer(commandTimeout time.Duration, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		CommandTimeout: commandTimeout,
		LocalName:      "localhost",
		Logger:         logger,
		netDialer:      net.Dialer{KeepAlive: 30 * time.Second},
	}
}

// Dial implements session.Dialer
func (d *Dialer) Dial(ctx context.Context, acct accounts.Account, proto session.Protocol) (session.Conn, error) {
	switch proto {
	case session.IMAP:
		return d.dialIMAP(ctx, acct)
	case session.SMTP:
		return d.dialSMTP(ctx, acct)
	default:
		return nil, fmt.Errorf("unknown protocol %q", proto)
	}
}

// connect opens the transport, performing the TLS handshake for implicit TLS
func (d *Dialer) connect(ctx context.Context, addr, host string, implicitTLS bool, cfg *tls.Config) (net.Conn, error) {
	raw, err := d.netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connectError(err, "could not reach %s", addr)
	}
	if !implicitTLS {
		return raw, nil
	}

	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, connectError(err, "TLS handshake with %s failed", host)
	}
	return tc, nil
}

func tlsConfig(host string, skipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: skipVerify, //nolint:gosec // per-account opt-out for self-signed servers
		MinVersion:         tls.VersionTLS12,
	}
}

func (d *Dialer) traceWriter(proto session.Protocol, acct accounts.Account) *logging.ProtocolWriter {
	w := logging.NewProtocolWriter(logging.WithAccount(d.Logger, acct.Name), string(proto))
	if !w.Enabled() {
		return nil
	}
	return w
}

func connectError(err error, format string, args ...any) error {
	return mailerr.Wrap(mailerr.KindConnection, session.OpConnect, err, fmt.Sprintf(format, args...))
}

// bindDeadline applies the deadline of ctx to conn and aborts blocked I/O
// when ctx is cancelled. The returned func undoes both.
func bindDeadline(ctx context.Context, conn net.Conn) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}
