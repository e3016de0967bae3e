package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/teemow/unimail/internal/config"
)

// rootCmd represents the base command for the unimail application
var rootCmd = newRootCmd()

// version will be set by main
var version = "dev"

// configFile is the --config flag shared by every command
var configFile string

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "unimail version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the configuration for cmd, honoring its flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unimail",
		Short: "Multi-account email MCP server",
		Long: `unimail is a Model Context Protocol (MCP) server that gives AI assistants
access to any number of IMAP/SMTP email accounts.

It can run as:
  - An MCP server over stdio or streamable HTTP (serve)
  - A CLI for managing accounts and the access token`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ~/.config/unimail/config.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "Data directory for the account database and keys (default: ~/.config/unimail). Can also use UNIMAIL_DATA_DIR env var.")
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAccountCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newGenerateDocsCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}
