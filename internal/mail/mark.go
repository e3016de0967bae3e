package mail

import (
	"context"
	"slices"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/mailproto"
	"github.com/teemow/unimail/internal/session"
)

// MarkOptions sets or clears the read flag of messages
type MarkOptions struct {
	Account     string
	UIDs        []uint32
	Read        bool
	Mailbox     string
	UIDValidity uint32
}

// MarkMessage sets \Seen on the given UIDs when Read is true and clears it
// otherwise. Marking is idempotent. UIDs that do not exist are reported
// per UID; if none exist the call fails with a not-found error.
func (s *Service) MarkMessage(ctx context.Context, opts MarkOptions) (*MarkReport, error) {
	if err := requireAccount(opts.Account); err != nil {
		return nil, err
	}
	if len(opts.UIDs) == 0 {
		return nil, mailerr.InvalidArgument("at least one uid is required")
	}
	if slices.Contains(opts.UIDs, 0) {
		return nil, mailerr.InvalidArgument("uids must be positive integers")
	}
	if opts.Mailbox == "" {
		opts.Mailbox = DefaultMailbox
	}

	uids := slices.Clone(opts.UIDs)
	slices.Sort(uids)
	uids = slices.Compact(uids)

	var report *MarkReport
	err := s.run(ctx, opts.Account, session.IMAP, instrumentation.OperationMarkMessage, mailerr.IsRetryable,
		func(ctx context.Context, acct accounts.Account, c session.Conn) error {
			ic, err := imapSession(c)
			if err != nil {
				return err
			}

			info, err := selectMailbox(ctx, ic, opts.Mailbox, false)
			if err != nil {
				return err
			}
			if err := checkUIDValidity(opts.Mailbox, opts.UIDValidity, info); err != nil {
				return err
			}

			existing, err := ic.Search(ctx, mailproto.SearchCriteria{UIDs: uids})
			if err != nil {
				return err
			}
			if len(existing) == 0 {
				if len(uids) == 1 {
					return mailerr.NotFound("message %d not found in mailbox %q", uids[0], opts.Mailbox)
				}
				return mailerr.NotFound("none of the %d messages exist in mailbox %q", len(uids), opts.Mailbox)
			}

			if err := ic.StoreSeen(ctx, existing, opts.Read); err != nil {
				return err
			}

			report = &MarkReport{Account: acct.Name, Mailbox: opts.Mailbox, Read: opts.Read}
			for _, uid := range uids {
				status := MarkNotFound
				if slices.Contains(existing, uid) {
					status = MarkUpdated
					report.Updated++
				} else {
					report.NotFound++
				}
				report.Results = append(report.Results, MarkResult{UID: uid, Status: status})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ListMailboxes returns the account's mailboxes in server order
func (s *Service) ListMailboxes(ctx context.Context, account string) ([]mailproto.MailboxEntry, error) {
	if err := requireAccount(account); err != nil {
		return nil, err
	}

	var mailboxes []mailproto.MailboxEntry
	err := s.run(ctx, account, session.IMAP, instrumentation.OperationListMailboxes, mailerr.IsRetryable,
		func(ctx context.Context, _ accounts.Account, c session.Conn) error {
			ic, err := imapSession(c)
			if err != nil {
				return err
			}
			mailboxes, err = ic.ListMailboxes(ctx)
			return err
		})
	if err != nil {
		return nil, err
	}
	if mailboxes == nil {
		mailboxes = []mailproto.MailboxEntry{}
	}
	return mailboxes, nil
}
