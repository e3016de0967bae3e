// Package mail implements the mail operations exposed as MCP tools: listing,
// reading, sending and flagging messages of registered accounts.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/logging"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/mailproto"
	"github.com/teemow/unimail/internal/session"
)

// Defaults and limits of message listing
const (
	DefaultMailbox  = "INBOX"
	DefaultPage     = 1
	DefaultPageSize = 10
	MaxPageSize     = 100

	// DateLayout is the format of the since and before filters
	DateLayout = "2006-01-02"
)

// AccountSource resolves account names to their full configuration
type AccountSource interface {
	Get(ctx context.Context, name string) (accounts.Account, error)
}

// SessionRunner runs an operation on the session of an account
type SessionRunner interface {
	WithSession(ctx context.Context, acct accounts.Account, proto session.Protocol, op func(ctx context.Context, c session.Conn) error) error
}

// Recorder receives per-operation metrics
type Recorder interface {
	RecordMailOperation(ctx context.Context, protocol, operation, status string, duration time.Duration)
}

// Service executes mail operations against the accounts' servers
type Service struct {
	accounts AccountSource
	sessions SessionRunner
	metrics  Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a mail service. metrics may be nil.
func NewService(accts AccountSource, sessions SessionRunner, metrics Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		accounts: accts,
		sessions: sessions,
		metrics:  metrics,
		logger:   logging.WithService(logger, "mail"),
		now:      time.Now,
	}
}

// run resolves account and executes op on its proto session. A failure
// that retryable accepts is attempted once more with a fresh lookup.
func (s *Service) run(ctx context.Context, account string, proto session.Protocol, operation string,
	retryable func(error) bool, op func(ctx context.Context, acct accounts.Account, c session.Conn) error) (err error) {
	start := s.now()
	ctx, span := instrumentation.StartMailSpan(ctx, string(proto), operation,
		instrumentation.NewSpanAttributeBuilder().WithAccount(account).Build()...)

	defer func() {
		code := ""
		if err != nil {
			code = mailerr.Code(err)
			instrumentation.SetSpanError(span, err, code)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()

		elapsed := s.now().Sub(start)
		if s.metrics != nil {
			s.metrics.RecordMailOperation(ctx, string(proto), operation, instrumentation.StatusFromCode(code), elapsed)
		}

		attrs := []any{logging.Operation(operation), logging.Account(account),
			logging.Protocol(string(proto)), slog.Duration(logging.KeyDuration, elapsed)}
		if err != nil {
			s.logger.Info("mail operation failed", append(attrs, logging.ErrorCode(code), logging.Err(err))...)
		} else {
			s.logger.Debug("mail operation completed", attrs...)
		}
	}()

	for attempt := 1; ; attempt++ {
		acct, err := s.accounts.Get(ctx, account)
		if err != nil {
			return err
		}

		err = s.sessions.WithSession(ctx, acct, proto, func(ctx context.Context, c session.Conn) error {
			return op(ctx, acct, c)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return mailerr.Wrap(mailerr.KindConnection, operation, err,
				fmt.Sprintf("%s operation on account %q timed out", proto, account))
		}
		if attempt > 1 || ctx.Err() != nil || !retryable(err) {
			return err
		}

		instrumentation.AddSpanEvent(span, "retry", attribute.Int(instrumentation.SpanAttrAttempt, attempt+1))
		s.logger.Info("retrying mail operation", logging.Operation(operation), logging.Account(account),
			logging.Protocol(string(proto)), logging.Err(err))
	}
}

// sendRetryable allows a retry only when no message data can have
// reached the server
func sendRetryable(err error) bool {
	if !mailerr.IsRetryable(err) {
		return false
	}
	switch mailerr.OpOf(err) {
	case session.OpConnect, mailproto.OpSMTPEnvelope:
		return true
	}
	return false
}

func imapSession(c session.Conn) (mailproto.IMAPSession, error) {
	ic, ok := c.(mailproto.IMAPSession)
	if !ok {
		return nil, fmt.Errorf("session %T does not speak IMAP", c)
	}
	return ic, nil
}

// selectMailbox selects mailbox and tags the operation span with it
func selectMailbox(ctx context.Context, ic mailproto.IMAPSession, mailbox string, readOnly bool) (mailproto.MailboxInfo, error) {
	trace.SpanFromContext(ctx).SetAttributes(
		instrumentation.NewSpanAttributeBuilder().WithMailbox(mailbox).Build()...)
	return ic.Select(ctx, mailbox, readOnly)
}

func smtpSession(c session.Conn) (mailproto.SMTPSession, error) {
	sc, ok := c.(mailproto.SMTPSession)
	if !ok {
		return nil, fmt.Errorf("session %T does not speak SMTP", c)
	}
	return sc, nil
}

// checkUIDValidity rejects references into a mailbox whose UIDs have been
// reassigned. want == 0 skips the check.
func checkUIDValidity(mailbox string, want uint32, info mailproto.MailboxInfo) error {
	if want == 0 || want == info.UIDValidity {
		return nil
	}
	return mailerr.New(mailerr.KindStaleReference,
		"uid_validity of mailbox %q changed from %d to %d; list the mailbox again", mailbox, want, info.UIDValidity)
}

func requireAccount(name string) error {
	if name == "" {
		return mailerr.InvalidArgument("account_name is required")
	}
	return nil
}
