package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/unimail/internal/auth"
	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/logging"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the access token",
		Long: `Manage the access token every MCP client must present.

The token is stored in token.json under the token directory, which depends
on the deployment context (local, docker or heroku) unless TOKEN_DATA_DIR
or token.data_dir is set.`,
	}

	cmd.AddCommand(newTokenStatusCmd())
	cmd.AddCommand(newTokenShowCmd())
	cmd.AddCommand(newTokenRotateCmd())
	return cmd
}

func openTokenManager(cmd *cobra.Command) (*auth.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cmd.ErrOrStderr(), cfg.Debug, cfg.LogFormat)
	return newTokenManager(cfg, logger, nil)
}

func newTokenStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show where the token is stored and how it was created",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openTokenManager(cmd)
			if err != nil {
				return err
			}
			info, err := m.Info()
			if err != nil {
				return fmt.Errorf("failed to read token: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printTokenInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

func printTokenInfo(w io.Writer, info auth.Info) {
	fmt.Fprintf(w, "Context:     %s\n", info.Context)
	fmt.Fprintf(w, "Path:        %s\n", info.Path)
	if !info.Exists {
		fmt.Fprintln(w, "Status:      not created (run \"unimail token show\" or start the server)")
		return
	}
	fmt.Fprintln(w, "Status:      present")
	fmt.Fprintf(w, "Source:      %s\n", info.Source)
	fmt.Fprintf(w, "Created:     %s\n", info.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Length:      %d\n", info.Length)
	fmt.Fprintf(w, "Fingerprint: %s\n", info.Fingerprint)
}

func newTokenShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the token, creating it if needed",
		Long: `Print the access token for configuring MCP clients. If no token exists
yet it is created, adopting AUTH_TOKEN when set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openTokenManager(cmd)
			if err != nil {
				return err
			}
			tok, err := m.GetOrCreate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return nil
		},
	}
}

func newTokenRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Replace the token",
		Long: `Generate a new access token. The previous token stops working immediately,
including on a running server, which picks up the new file within a second.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cmd.ErrOrStderr(), cfg.Debug, cfg.LogFormat)

			// Push exporters (otlp, stdout) flush the rotation count on shutdown
			provider, err := instrumentation.NewProvider(cmd.Context(), instrumentationConfig(cfg))
			if err != nil {
				return fmt.Errorf("failed to create instrumentation provider: %w", err)
			}
			defer func() {
				if err := provider.Shutdown(context.Background()); err != nil {
					logger.Warn("instrumentation shutdown failed", logging.Err(err))
				}
			}()
			var metrics *instrumentation.Metrics
			if provider.Enabled() {
				metrics = provider.Metrics()
			}

			m, err := newTokenManager(cfg, logger, metrics)
			if err != nil {
				return err
			}
			tok, err := m.Rotate(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to rotate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			fmt.Fprintf(cmd.ErrOrStderr(), "Token rotated (fingerprint %s). Update your MCP clients.\n", tok.Fingerprint())
			return nil
		},
	}
}
