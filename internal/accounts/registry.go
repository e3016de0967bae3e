package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teemow/unimail/internal/logging"
)

// SessionCloser closes the sessions belonging to an account
type SessionCloser interface {
	CloseAccount(ctx context.Context, name string) error
}

// Registry is the source of truth for configured accounts
type Registry struct {
	store  *Store
	closer SessionCloser
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry on store. closer may be nil when no
// sessions exist, e.g. in the CLI.
func NewRegistry(store *Store, closer SessionCloser, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		closer: closer,
		logger: logging.WithService(logger, "accounts"),
		now:    time.Now,
	}
}

// Add validates and stores a new account. No connection is opened.
func (r *Registry) Add(ctx context.Context, a Account) error {
	a.Name = strings.TrimSpace(a.Name)
	a.ApplyDefaults()
	if err := a.Validate(); err != nil {
		return err
	}
	a.CreatedAt = r.now().UTC()

	if err := r.store.Insert(ctx, a); err != nil {
		return err
	}

	r.logger.Info("account added",
		logging.Account(a.Name),
		logging.Domain(a.EmailAddress))
	return nil
}

// List returns every account with passwords redacted
func (r *Registry) List(ctx context.Context) ([]Account, error) {
	return r.store.List(ctx)
}

// Get returns the account including its plaintext password. Callers must
// never return the result to a client.
func (r *Registry) Get(ctx context.Context, name string) (Account, error) {
	return r.store.Get(ctx, name)
}

// Remove deletes the account and closes its open sessions
func (r *Registry) Remove(ctx context.Context, name string) error {
	if err := r.store.Delete(ctx, name); err != nil {
		return err
	}

	if r.closer != nil {
		if err := r.closer.CloseAccount(ctx, name); err != nil {
			r.logger.Warn("closing sessions of removed account failed",
				logging.Account(name), logging.Err(err))
		}
	}

	r.logger.Info("account removed", logging.Account(name))
	return nil
}

// Ping checks the backing store
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return fmt.Errorf("account store unavailable: %w", err)
	}
	return nil
}
