package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/auth"
	"github.com/teemow/unimail/internal/config"
	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/mail"
	"github.com/teemow/unimail/internal/mailproto"
	"github.com/teemow/unimail/internal/session"
)

// app holds the components shared by serve and the management commands
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *accounts.Store
	pool     *session.Pool
	registry *accounts.Registry
	mail     *mail.Service
}

// openApp opens the account store and wires the session pool, registry and
// mail service. metrics may be nil.
func openApp(cfg *config.Config, logger *slog.Logger, metrics *instrumentation.Metrics) (*app, error) {
	keys, err := accounts.NewKeyStore(cfg.Secrets.Backend, cfg.DataDir, cfg.Secrets.KeyringPassword)
	if err != nil {
		return nil, err
	}
	key, err := keys.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}
	cipher, err := accounts.NewCipher(key)
	if err != nil {
		return nil, err
	}

	store, err := accounts.OpenStore(cfg.Database.Path, cipher)
	if err != nil {
		return nil, err
	}

	var (
		sessionMetrics session.Recorder
		mailMetrics    mail.Recorder
	)
	if metrics != nil {
		sessionMetrics, mailMetrics = metrics, metrics
	}

	pool := session.NewPool(mailproto.NewDialer(cfg.Session.OpTimeout, logger), poolConfig(cfg.Session), sessionMetrics, logger)
	registry := accounts.NewRegistry(store, pool, logger)
	pool.ResolveAccountsWith(registry)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		pool:     pool,
		registry: registry,
		mail:     mail.NewService(registry, pool, mailMetrics, logger),
	}, nil
}

// Close closes every session, then the store
func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.pool.Close(ctx), a.store.Close())
}

func poolConfig(c config.SessionConfig) session.Config {
	cfg := session.DefaultConfig()
	if c.DialTimeout > 0 {
		cfg.DialTimeout = c.DialTimeout
	}
	if c.OpTimeout > 0 {
		cfg.OpTimeout = c.OpTimeout
	}
	if c.BackoffThreshold > 0 {
		cfg.BackoffThreshold = c.BackoffThreshold
	}
	if c.MaxBackoff > 0 {
		cfg.MaxBackoff = c.MaxBackoff
	}
	return cfg
}

// newTokenManager resolves the deployment context and builds the token
// manager. AUTH_TOKEN is adopted only when no token is stored yet. metrics
// may be nil.
func newTokenManager(cfg *config.Config, logger *slog.Logger, metrics *instrumentation.Metrics) (*auth.Manager, error) {
	deployment, err := auth.DetectDeployment(cfg.Deployment, os.Getenv)
	if err != nil {
		return nil, err
	}
	var recorder auth.RotationRecorder
	if metrics != nil {
		recorder = metrics
	}
	return auth.NewManager(auth.Options{
		Recorder:      recorder,
		Deployment:    deployment,
		Dir:           cfg.Token.DataDir,
		EnvToken:      os.Getenv(auth.EnvAuthToken),
		AllowGenerate: cfg.Token.AllowGenerate,
		Logger:        logger,
	})
}

// instrumentationConfig reads the telemetry settings from the environment
// and tags them with this build and deployment
func instrumentationConfig(cfg *config.Config) instrumentation.Config {
	ic := instrumentation.DefaultConfig()
	ic.ServiceVersion = version
	if d, err := auth.DetectDeployment(cfg.Deployment, os.Getenv); err == nil {
		ic.Deployment = string(d)
	}
	return ic
}
