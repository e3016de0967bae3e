package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/unimail/internal/auth"
	"github.com/teemow/unimail/internal/config"
	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/logging"
	"github.com/teemow/unimail/internal/resources"
	"github.com/teemow/unimail/internal/server"
	"github.com/teemow/unimail/internal/tools/account_tools"
	"github.com/teemow/unimail/internal/tools/mail_tools"
)

const metricsStartupTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol (MCP) server to provide multi-account
email tools for AI assistants.

Supports multiple transport types:
  - stdio: Standard input/output (default)
  - streamable-http: Streamable HTTP transport

Authentication:
  Every tool call must carry the access token managed by "unimail token".
  HTTP clients send it as "Authorization: Bearer <token>". Over stdio the
  MCP client passes it in the UNIMAIL_CLIENT_TOKEN environment variable.

Read-only Mode:
  --read-only omits add_account, remove_account, send_message and
  mark_message.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().String("transport", config.TransportStdio, "Transport type: stdio or streamable-http")
	cmd.Flags().String("http-addr", server.DefaultHTTPAddr, "HTTP server address (for streamable-http transport)")
	cmd.Flags().Bool("read-only", false, "Only register tools that do not modify accounts or mailboxes")
	cmd.Flags().Bool("disable-streaming", false, "Disable streaming for HTTP transport (for compatibility with certain clients)")
	cmd.Flags().String("log-format", "json", "Log format: json or text")
	cmd.Flags().Bool("metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().String("metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

func runServe(cfg *config.Config) error {
	// Logs go to stderr so stdout stays free for the stdio transport
	logger := logging.NewLogger(os.Stderr, cfg.Debug, cfg.LogFormat)
	slog.SetDefault(logger)

	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	instrConfig := instrumentationConfig(cfg)

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error("instrumentation shutdown failed", logging.Err(err))
		}
	}()

	var metrics *instrumentation.Metrics
	if provider.Enabled() {
		metrics = provider.Metrics()
	}

	a, err := openApp(cfg, logger, metrics)
	if err != nil {
		return err
	}

	tokens, err := newTokenManager(cfg, logger, metrics)
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}
	tok, err := tokens.GetOrCreate(shutdownCtx)
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("failed to initialize auth token: %w", err)
	}
	logger.Info("auth token ready",
		slog.String("path", tokens.Path()),
		slog.String("source", tok.Source),
		slog.String("context", string(tokens.Deployment())),
		slog.String("fingerprint", tok.Fingerprint()))

	serverContext, err := server.NewServerContext(shutdownCtx, server.Options{
		Registry: a.registry,
		Pool:     a.pool,
		Mail:     a.mail,
		Tokens:   tokens,
		Logger:   logger,
		Store:    a.store,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := serverContext.Shutdown(ctx); err != nil {
			logger.Error("server context shutdown failed", logging.Err(err))
		}
	}()

	if metrics != nil {
		serverContext.SetMetrics(metrics)
	}
	if instrConfig.AuditLogging.Enabled {
		serverContext.SetAuditLogger(instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging))
	}

	// The metrics port is only opened alongside the HTTP transport
	if cfg.Transport != config.TransportStdio && cfg.Metrics.Enabled && provider.ServingPrometheus() {
		metricsServer, err := startMetricsServer(cfg.Metrics.Addr, provider, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Error("metrics server shutdown failed", logging.Err(err))
			}
		}()
	}

	mcpSrv := mcpserver.NewMCPServer("unimail", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false),
	)

	if cfg.ReadOnly {
		logger.Info("starting in read-only mode, write tools are not registered")
	}
	if err := registerAllTools(mcpSrv, serverContext, cfg.ReadOnly); err != nil {
		return err
	}

	switch cfg.Transport {
	case config.TransportStdio:
		return runStdioServer(shutdownCtx, mcpSrv, logger)
	case config.TransportStreamableHTTP:
		return runStreamableHTTPServer(shutdownCtx, mcpSrv, serverContext, cfg.HTTP, logger)
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", cfg.Transport)
	}
}

func startMetricsServer(addr string, provider *instrumentation.Provider, logger *slog.Logger) (*server.MetricsServer, error) {
	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    addr,
		InstrumentationProvider: provider,
		Logger:                  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	// Use ready channel to confirm metrics server started successfully
	metricsReady := make(chan struct{})
	metricsErr := make(chan error, 1)
	go func() {
		if err := metricsServer.StartWithReadySignal(metricsReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErr <- err
		}
		close(metricsErr)
	}()

	select {
	case <-metricsReady:
		return metricsServer, nil
	case err := <-metricsErr:
		return nil, fmt.Errorf("metrics server failed to start: %w", err)
	case <-time.After(metricsStartupTimeout):
		return nil, errors.New("metrics server startup timed out")
	}
}

// registerAllTools registers every tool group and the account resources.
// readOnly omits the tools that modify accounts or mailboxes.
func registerAllTools(mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	type toolRegistration struct {
		name     string
		register func() error
	}

	registrations := []toolRegistration{
		{
			name: "Account tools",
			register: func() error {
				return account_tools.RegisterAccountTools(mcpSrv, sc, readOnly)
			},
		},
		{
			name: "Mail tools",
			register: func() error {
				return mail_tools.RegisterMailTools(mcpSrv, sc, readOnly)
			},
		},
		{
			name: "Account resources",
			register: func() error {
				return resources.RegisterAccountResources(mcpSrv, sc)
			},
		},
	}

	for _, reg := range registrations {
		if err := reg.register(); err != nil {
			return fmt.Errorf("failed to register %s: %w", reg.name, err)
		}
	}
	return nil
}

func runStdioServer(ctx context.Context, mcpSrv *mcpserver.MCPServer, logger *slog.Logger) error {
	credential := strings.TrimSpace(os.Getenv(auth.EnvClientToken))
	if credential == "" {
		logger.Warn("no client credential configured, every tool call will be rejected",
			slog.String("env", auth.EnvClientToken))
	}

	stdio := mcpserver.NewStdioServer(mcpSrv)
	stdio.SetContextFunc(auth.StdioContextFunc(credential))
	stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))

	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runStreamableHTTPServer(ctx context.Context, mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, cfg config.HTTPConfig, logger *slog.Logger) error {
	health := server.NewHealthChecker(sc, version)
	httpServer := server.NewHTTPServer(mcpSrv, sc, health, server.HTTPServerConfig{
		Addr:             cfg.Addr,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
		TrustProxy:       cfg.TrustProxy,
		DisableStreaming: cfg.DisableStreaming,
		Logger:           logger,
	})

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.Start(nil); err != nil {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	logger.Info("HTTP server gracefully stopped")
	return nil
}
