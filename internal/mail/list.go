package mail

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/mailproto"
	"github.com/teemow/unimail/internal/session"
)

// fetchBatch bounds the UID set of one FETCH during client-side filtering
const fetchBatch = 500

// ListOptions selects a page of messages. An empty Mailbox means the inbox;
// Page and PageSize must be at least 1.
type ListOptions struct {
	Account       string
	Mailbox       string
	Page          int
	PageSize      int
	SubjectFilter string
	SenderFilter  string
	UnreadOnly    bool
	Since         string
	Before        string
}

// NewListOptions returns the options for the first page of the inbox of
// account
func NewListOptions(account string) ListOptions {
	return ListOptions{
		Account:  account,
		Mailbox:  DefaultMailbox,
		Page:     DefaultPage,
		PageSize: DefaultPageSize,
	}
}

func (o *ListOptions) normalize() (mailproto.SearchCriteria, error) {
	var crit mailproto.SearchCriteria
	if err := requireAccount(o.Account); err != nil {
		return crit, err
	}
	if o.Mailbox == "" {
		o.Mailbox = DefaultMailbox
	}
	if o.Page < 1 {
		return crit, mailerr.InvalidArgument("page must be at least 1, got %d", o.Page)
	}
	if o.PageSize < 1 || o.PageSize > MaxPageSize {
		return crit, mailerr.InvalidArgument("page_size must be between 1 and %d, got %d", MaxPageSize, o.PageSize)
	}

	since, err := parseDate("since", o.Since)
	if err != nil {
		return crit, err
	}
	before, err := parseDate("before", o.Before)
	if err != nil {
		return crit, err
	}
	if !since.IsZero() && !before.IsZero() && since.After(before) {
		return crit, mailerr.InvalidArgument("since (%s) is after before (%s)", o.Since, o.Before)
	}

	crit = mailproto.SearchCriteria{
		Unseen:  o.UnreadOnly,
		Subject: strings.TrimSpace(o.SubjectFilter),
		From:    strings.TrimSpace(o.SenderFilter),
		Since:   since,
		Before:  before,
	}
	return crit, nil
}

func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, mailerr.InvalidArgument("%s must be a date in YYYY-MM-DD format, got %q", field, value)
	}
	return t, nil
}

// ListMessages returns one page of the messages matching opts, newest
// first. A page past the end is empty.
func (s *Service) ListMessages(ctx context.Context, opts ListOptions) (*MessagePage, error) {
	crit, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	var page *MessagePage
	err = s.run(ctx, opts.Account, session.IMAP, instrumentation.OperationListMessages, mailerr.IsRetryable,
		func(ctx context.Context, acct accounts.Account, c session.Conn) error {
			ic, err := imapSession(c)
			if err != nil {
				return err
			}

			info, err := selectMailbox(ctx, ic, opts.Mailbox, true)
			if err != nil {
				return err
			}

			uids, err := s.search(ctx, ic, crit)
			if err != nil {
				return err
			}
			slices.Sort(uids)
			slices.Reverse(uids)

			window := pageWindow(uids, opts.Page, opts.PageSize)
			summaries, err := ic.FetchSummaries(ctx, window)
			if err != nil {
				return err
			}

			byUID := make(map[uint32]mailproto.Summary, len(summaries))
			for _, sum := range summaries {
				byUID[sum.UID] = sum
			}
			messages := make([]MessageSummary, 0, len(window))
			for _, uid := range window {
				// Expunged between SEARCH and FETCH
				if sum, ok := byUID[uid]; ok {
					messages = append(messages, summaryFrom(opts.Mailbox, sum))
				}
			}

			page = &MessagePage{
				Account:     acct.Name,
				Mailbox:     opts.Mailbox,
				UIDValidity: info.UIDValidity,
				Page:        opts.Page,
				PageSize:    opts.PageSize,
				TotalCount:  len(uids),
				HasMore:     opts.Page < pageCount(len(uids), opts.PageSize),
				Messages:    messages,
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// search runs crit on the server. If the server rejects the text filters
// it searches without them and filters envelopes locally.
func (s *Service) search(ctx context.Context, ic mailproto.IMAPSession, crit mailproto.SearchCriteria) ([]uint32, error) {
	uids, err := ic.Search(ctx, crit)
	if err == nil || !errors.Is(err, mailproto.ErrSearchUnsupported) {
		return uids, err
	}

	s.logger.Debug("server rejected search criteria, filtering locally", "reason", err.Error())

	base := crit
	base.Subject, base.From = "", ""
	candidates, err := ic.Search(ctx, base)
	if err != nil {
		return nil, err
	}

	var matched []uint32
	for batch := range slices.Chunk(candidates, fetchBatch) {
		summaries, err := ic.FetchSummaries(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, sum := range summaries {
			if matchesText(sum, crit.Subject, crit.From) {
				matched = append(matched, sum.UID)
			}
		}
	}
	return matched, nil
}

// matchesText applies the subject and sender filters as case-insensitive
// substring matches
func matchesText(sum mailproto.Summary, subject, from string) bool {
	if subject != "" && !containsFold(sum.Subject, subject) {
		return false
	}
	if from == "" {
		return true
	}
	for _, a := range sum.From {
		if containsFold(a.Name, from) || containsFold(a.Email, from) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// pageWindow returns the UIDs of a 1-based page
func pageWindow(uids []uint32, page, size int) []uint32 {
	// Compared before multiplying so huge pages cannot overflow
	if page-1 >= pageCount(len(uids), size) {
		return nil
	}
	start := (page - 1) * size
	end := min(start+size, len(uids))
	return uids[start:end]
}

// pageCount returns how many pages of size hold n messages
func pageCount(n, size int) int {
	return (n + size - 1) / size
}
