// Package session keeps one long-lived, exclusively used connection per
// account and protocol.
//
// Callers borrow a session with WithSession. Borrowers of the same session
// are queued first-come first-served; borrowers of different sessions never
// wait on each other.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/logging"
	"github.com/teemow/unimail/internal/mailerr"
)

// Protocol identifies which server of an account a session talks to
type Protocol string

const (
	IMAP Protocol = "imap"
	SMTP Protocol = "smtp"
)

// OpConnect marks errors raised while establishing a session
const OpConnect = "connect"

// Conn is an established, authenticated protocol connection
type Conn interface {
	// Noop verifies the connection is still usable
	Noop(ctx context.Context) error
	Close() error
}

// Dialer opens authenticated connections. Authentication rejections must
// be reported as mailerr.KindAuthentication.
type Dialer interface {
	Dial(ctx context.Context, acct accounts.Account, proto Protocol) (Conn, error)
}

// AccountSource resolves the current configuration of an account. It must
// report a removed account as mailerr.KindNotFound.
type AccountSource interface {
	Get(ctx context.Context, name string) (accounts.Account, error)
}

// Recorder receives session metrics
type Recorder interface {
	RecordSessionDial(ctx context.Context, protocol, status string, d time.Duration)
	IncrementActiveSessions(ctx context.Context, protocol string)
	DecrementActiveSessions(ctx context.Context, protocol string)
}

// Config tunes the pool
type Config struct {
	// DialTimeout bounds connect, TLS handshake and login
	DialTimeout time.Duration

	// OpTimeout bounds a single operation on an established session
	OpTimeout time.Duration

	// BackoffThreshold is the number of consecutive failures after which
	// new dials wait for the backoff window
	BackoffThreshold int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() Config {
	return Config{
		DialTimeout:      15 * time.Second,
		OpTimeout:        60 * time.Second,
		BackoffThreshold: 3,
		InitialBackoff:   time.Second,
		MaxBackoff:       5 * time.Minute,
	}
}

// Pool owns every session
type Pool struct {
	dialer  Dialer
	source  AccountSource
	cfg     Config
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[key]*entry
	closed  bool
}

type key struct {
	account string
	proto   Protocol
}

// NewPool creates an empty pool. metrics may be nil.
func NewPool(d Dialer, cfg Config, metrics Recorder, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.BackoffThreshold <= 0 {
		cfg.BackoffThreshold = def.BackoffThreshold
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		dialer:  d,
		cfg:     cfg,
		metrics: metrics,
		logger:  logging.WithService(logger, "session"),
		now:     time.Now,
		entries: make(map[key]*entry),
	}
}

// ResolveAccountsWith makes the pool re-read an account from src before
// every new connection, so an account removed after the caller resolved it
// is never dialed. Call it before the pool is used.
func (p *Pool) ResolveAccountsWith(src AccountSource) {
	p.source = src
}

// WithSession runs op with exclusive use of the session of acct for proto,
// establishing it first if needed.
//
// If ctx ends while waiting for the session, WithSession returns without
// running op. If ctx ends while op runs, WithSession returns the context
// error immediately; op keeps running on a detached context bounded by the
// operation timeout and the session is verified before its next use.
func (p *Pool) WithSession(ctx context.Context, acct accounts.Account, proto Protocol, op func(ctx context.Context, c Conn) error) error {
	e, err := p.lookup(acct.Name, proto)
	if err != nil {
		return err
	}

	if err := e.guard.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for %s session of %s: %w", proto, acct.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		defer e.guard.Release(1)
		done <- p.run(ctx, e, acct, op)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation on %s abandoned: %w", proto, acct.Name, ctx.Err())
	}
}

// run executes op while holding the session guard
func (p *Pool) run(ctx context.Context, e *entry, acct accounts.Account, op func(ctx context.Context, c Conn) error) (err error) {
	detached := context.WithoutCancel(ctx)

	if e.isClosed() {
		return mailerr.Wrap(mailerr.KindConnection, OpConnect, nil, "session closed")
	}
	// Abandoned while queued; nothing was started
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := p.ensureConn(detached, e, acct)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(detached, p.cfg.OpTimeout)
	defer cancel()

	e.setState(StateBusy)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s operation panicked: %v", e.key.proto, r)
			p.discard(e, err)
			e.recordFailure(p.now(), err, p.cfg, false)
			return
		}
		if ctx.Err() != nil {
			e.suspect = true
		}
		err = p.settle(e, err)
	}()

	return op(opCtx, conn)
}

// ensureConn returns the live connection of e, dialing if needed. The
// caller holds the guard.
func (p *Pool) ensureConn(ctx context.Context, e *entry, acct accounts.Account) (Conn, error) {
	// A fresh entry may postdate CloseAccount of a removed account
	if e.conn == nil && p.source != nil {
		current, err := p.source.Get(ctx, acct.Name)
		if err != nil {
			if mailerr.KindOf(err) == mailerr.KindNotFound {
				p.forget(e)
			}
			return nil, err
		}
		acct = current
	}

	fp := acct.Fingerprint()
	if e.authErr != nil {
		if e.authFingerprint == fp {
			return nil, e.authErr
		}
		e.authErr = nil
		e.resetFailures()
	}

	if e.conn != nil && e.suspect {
		pingCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
		err := e.conn.Noop(pingCtx)
		cancel()
		if err != nil {
			p.logger.Info("discarding suspect session", logging.Account(e.key.account),
				logging.Protocol(string(e.key.proto)), logging.Err(err))
			p.discard(e, err)
		}
		e.suspect = false
	}
	if e.conn != nil {
		return e.conn, nil
	}

	now := p.now()
	if wait := e.backoffRemaining(now); wait > 0 {
		return nil, mailerr.Wrap(mailerr.KindConnection, OpConnect, e.lastError(),
			fmt.Sprintf("%s server of account %q is unreachable, retrying after %s",
				e.key.proto, e.key.account, now.Add(wait).UTC().Format(time.RFC3339)))
	}

	e.setState(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	start := p.now()
	conn, err := p.dialer.Dial(dialCtx, acct, e.key.proto)
	elapsed := p.now().Sub(start)

	if err != nil {
		if mailerr.KindOf(err) == mailerr.KindAuthentication {
			e.authErr = err
			e.authFingerprint = fp
			e.recordFailure(p.now(), err, p.cfg, false)
			p.recordDial(ctx, e, "auth_failed", elapsed)
			p.logger.Warn("session authentication rejected", logging.Account(e.key.account),
				logging.Protocol(string(e.key.proto)), logging.Err(err))
			return nil, err
		}

		if mailerr.KindOf(err) != mailerr.KindConnection {
			err = mailerr.Wrap(mailerr.KindConnection, OpConnect, err,
				fmt.Sprintf("could not connect to %s server of account %q", e.key.proto, e.key.account))
		}
		e.recordFailure(p.now(), err, p.cfg, true)
		p.recordDial(ctx, e, "error", elapsed)
		p.logger.Warn("session dial failed", logging.Account(e.key.account),
			logging.Protocol(string(e.key.proto)), logging.Err(err))
		return nil, err
	}

	e.conn = conn
	e.setState(StateReady)
	p.recordDial(ctx, e, "success", elapsed)
	if p.metrics != nil {
		p.metrics.IncrementActiveSessions(ctx, string(e.key.proto))
	}
	p.logger.Debug("session established", logging.Account(e.key.account),
		logging.Protocol(string(e.key.proto)), slog.Duration(logging.KeyDuration, elapsed))
	return conn, nil
}

// settle updates e after an operation and classifies its error
func (p *Pool) settle(e *entry, err error) error {
	now := p.now()

	switch {
	case err == nil:
		e.recordSuccess(now)
	case isConnectionError(err):
		if mailerr.KindOf(err) != mailerr.KindConnection {
			err = mailerr.Wrap(mailerr.KindConnection, string(e.key.proto), err, "connection to mail server lost")
		}
		p.discard(e, err)
		e.recordFailure(now, err, p.cfg, true)
	default:
		e.recordUse(now)
	}

	if e.isClosed() {
		p.discard(e, nil)
	}
	return err
}

// discard closes the connection of e. The caller holds the guard.
func (p *Pool) discard(e *entry, cause error) {
	if e.conn == nil {
		return
	}
	if err := e.conn.Close(); err != nil {
		p.logger.Debug("closing session", logging.Account(e.key.account),
			logging.Protocol(string(e.key.proto)), logging.Err(err))
	}
	e.conn = nil
	e.suspect = false
	if cause != nil {
		e.setState(StateFailed)
	} else {
		e.setState(StateDisconnected)
	}
	if p.metrics != nil {
		p.metrics.DecrementActiveSessions(context.Background(), string(e.key.proto))
	}
}

func (p *Pool) recordDial(ctx context.Context, e *entry, status string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordSessionDial(ctx, string(e.key.proto), status, d)
	}
}

func (p *Pool) lookup(account string, proto Protocol) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, mailerr.Wrap(mailerr.KindConnection, OpConnect, nil, "session pool closed")
	}

	k := key{account: account, proto: proto}
	e, ok := p.entries[k]
	if !ok {
		e = newEntry(k, p.cfg)
		p.entries[k] = e
	}
	return e, nil
}

// forget drops e if it is still registered. The caller holds the guard of
// an entry without a connection.
func (p *Pool) forget(e *entry) {
	p.mu.Lock()
	if p.entries[e.key] == e {
		delete(p.entries, e.key)
	}
	p.mu.Unlock()
	e.markClosed()
}

// CloseAccount closes and forgets the sessions of an account. In-flight
// operations complete first; if ctx ends before they do, their
// connections are closed as soon as they finish.
func (p *Pool) CloseAccount(ctx context.Context, name string) error {
	p.mu.Lock()
	var victims []*entry
	for _, proto := range []Protocol{IMAP, SMTP} {
		k := key{account: name, proto: proto}
		if e, ok := p.entries[k]; ok {
			victims = append(victims, e)
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()

	return p.closeEntries(ctx, victims)
}

// Close closes every session. The pool rejects further use.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	victims := make([]*entry, 0, len(p.entries))
	for k, e := range p.entries {
		victims = append(victims, e)
		delete(p.entries, k)
	}
	p.mu.Unlock()

	return p.closeEntries(ctx, victims)
}

func (p *Pool) closeEntries(ctx context.Context, victims []*entry) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range victims {
		e.markClosed()
		g.Go(func() error {
			if err := e.guard.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("closing %s session of %s: %w", e.key.proto, e.key.account, err)
			}
			defer e.guard.Release(1)
			p.discard(e, nil)
			return nil
		})
	}
	return g.Wait()
}

// Stats returns a snapshot of every session, ordered by account and protocol
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	out := make([]Stats, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Protocol < out[j].Protocol
	})
	return out
}

// isConnectionError reports whether err leaves the connection in an
// unknown state
func isConnectionError(err error) bool {
	if mailerr.KindOf(err) == mailerr.KindConnection {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// newBackoff returns the reconnect schedule of one session
func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Reset()
	return b
}
