package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/auth"
	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/mail"
	"github.com/teemow/unimail/internal/session"
)

// DefaultShutdownTimeout bounds graceful shutdown of servers and sessions
const DefaultShutdownTimeout = 30 * time.Second

// Options are the dependencies of a ServerContext
type Options struct {
	Registry *accounts.Registry
	Pool     *session.Pool
	Mail     *mail.Service
	Tokens   *auth.Manager
	Logger   *slog.Logger

	// Store is closed on shutdown after every session
	Store io.Closer
}

// ServerContext holds the long-lived dependencies shared by every tool
// handler and HTTP endpoint
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *accounts.Registry
	pool     *session.Pool
	mail     *mail.Service
	tokens   *auth.Manager
	store    io.Closer
	logger   *slog.Logger

	mu          sync.RWMutex
	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger
	shutdown    bool
}

// NewServerContext creates a new server context
func NewServerContext(ctx context.Context, opts Options) (*ServerContext, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("account registry is required")
	case opts.Pool == nil:
		return nil, errors.New("session pool is required")
	case opts.Mail == nil:
		return nil, errors.New("mail service is required")
	case opts.Tokens == nil:
		return nil, errors.New("token manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	shutdownCtx, cancel := context.WithCancel(ctx)
	return &ServerContext{
		ctx:      shutdownCtx,
		cancel:   cancel,
		registry: opts.Registry,
		pool:     opts.Pool,
		mail:     opts.Mail,
		tokens:   opts.Tokens,
		store:    opts.Store,
		logger:   opts.Logger,
	}, nil
}

// Context returns the server context
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Registry returns the account registry
func (sc *ServerContext) Registry() *accounts.Registry {
	return sc.registry
}

// Pool returns the session pool
func (sc *ServerContext) Pool() *session.Pool {
	return sc.pool
}

// Mail returns the mail operation service
func (sc *ServerContext) Mail() *mail.Service {
	return sc.mail
}

// Tokens returns the token manager
func (sc *ServerContext) Tokens() *auth.Manager {
	return sc.tokens
}

// Logger returns the server logger
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// Metrics returns the metrics recorder, or nil when instrumentation is off
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.metrics
}

// SetMetrics sets the metrics recorder
func (sc *ServerContext) SetMetrics(m *instrumentation.Metrics) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.metrics = m
}

// AuditLogger returns the audit logger, or nil when auditing is off
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.auditLogger
}

// SetAuditLogger sets the audit logger
func (sc *ServerContext) SetAuditLogger(al *instrumentation.AuditLogger) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.auditLogger = al
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown closes every session and the account store. In-flight
// operations complete first unless ctx ends.
func (sc *ServerContext) Shutdown(ctx context.Context) error {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.shutdown = true
	sc.mu.Unlock()

	sc.cancel()

	var errs []error
	if err := sc.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}
	if sc.store != nil {
		if err := sc.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing account store: %w", err))
		}
	}
	return errors.Join(errs...)
}
