package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/logging"
	"github.com/teemow/unimail/internal/mailerr"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "account",
		Aliases: []string{"accounts"},
		Short:   "Manage email accounts",
		Long: `Manage the email accounts the MCP server can use. Changes made here are
visible to a running server on its next tool call.`,
	}

	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountAddCmd())
	cmd.AddCommand(newAccountRemoveCmd())
	cmd.AddCommand(newAccountImportCmd())
	return cmd
}

// withRegistry opens the account store for the duration of fn
func withRegistry(cmd *cobra.Command, fn func(ctx context.Context, r *accounts.Registry) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cmd.ErrOrStderr(), cfg.Debug, cfg.LogFormat)

	a, err := openApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("closing account store failed", logging.Err(err))
		}
	}()

	return cliError(fn(cmd.Context(), a.registry))
}

// cliError strips internal detail the same way tool results do
func cliError(err error) error {
	if err == nil || mailerr.KindOf(err) == mailerr.KindInternal {
		return err
	}
	return fmt.Errorf("%s", mailerr.Message(err))
}

func newAccountListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, r *accounts.Registry) error {
				list, err := r.List(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(list)
				}
				printAccounts(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print accounts as JSON")
	return cmd
}

func printAccounts(w io.Writer, list []accounts.Account) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No accounts configured.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tEMAIL\tIMAP\tSMTP")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Name, a.EmailAddress, a.IMAPAddr(), a.SMTPAddr())
	}
	_ = tw.Flush()
}

func newAccountAddCmd() *cobra.Command {
	var (
		acct       accounts.Account
		imapNoTLS  bool
		smtpNoTLS  bool
		passwordIn bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an account",
		Example: `  unimail account add work --email ada@example.com --user ada \
    --imap-host imap.example.com --smtp-host smtp.example.com --password-stdin < pw.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct.Name = args[0]
			acct.IMAPTLS = !imapNoTLS
			acct.SMTPTLS = !smtpNoTLS
			if passwordIn {
				pw, err := readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
				acct.Password = pw
			}
			if acct.Password == "" {
				pw, err := promptPassword(cmd)
				if err != nil {
					return err
				}
				acct.Password = pw
			}
			return withRegistry(cmd, func(ctx context.Context, r *accounts.Registry) error {
				if err := r.Add(ctx, acct); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account %q added\n", acct.Name)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&acct.FullName, "full-name", "", "Display name used in the From header")
	f.StringVar(&acct.EmailAddress, "email", "", "Email address")
	f.StringVar(&acct.UserName, "user", "", "Login user name")
	f.StringVar(&acct.Password, "password", "", "Login password (prompted for on a terminal when omitted)")
	f.BoolVar(&passwordIn, "password-stdin", false, "Read the password from stdin")
	f.StringVar(&acct.IMAPHost, "imap-host", "", "IMAP server host")
	f.IntVar(&acct.IMAPPort, "imap-port", 0, fmt.Sprintf("IMAP server port (default %d with TLS)", accounts.DefaultIMAPPort))
	f.BoolVar(&imapNoTLS, "imap-no-tls", false, "Connect to IMAP without implicit TLS")
	f.StringVar(&acct.SMTPHost, "smtp-host", "", "SMTP server host")
	f.IntVar(&acct.SMTPPort, "smtp-port", 0, fmt.Sprintf("SMTP server port (default %d with TLS)", accounts.DefaultSMTPPort))
	f.BoolVar(&smtpNoTLS, "smtp-no-tls", false, "Connect to SMTP without implicit TLS")
	f.BoolVar(&acct.TLSSkipVerify, "insecure-skip-verify", false, "Do not verify server certificates")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("imap-host")
	_ = cmd.MarkFlagRequired("smtp-host")

	return cmd
}

func readPassword(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// promptPassword reads the password without echo when stdin is a terminal.
// Otherwise it returns "" and validation reports the missing field.
func promptPassword(cmd *cobra.Command) (string, error) {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	pw, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func newAccountRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove an account and close its sessions",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, r *accounts.Registry) error {
				if err := r.Remove(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account %q removed\n", args[0])
				return nil
			})
		},
	}
}

func newAccountImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.toml>",
		Short: "Add every account of a TOML accounts file",
		Long: `Add every account of a TOML accounts file:

  [[accounts]]
  account_name  = "work"
  full_name     = "Ada Lovelace"
  email_address = "ada@example.com"

  [accounts.incoming]
  user_name = "ada"
  password  = "..."
  host      = "imap.example.com"
  port      = 993
  use_ssl   = true

  [accounts.outgoing]
  user_name = "ada"
  password  = "..."
  host      = "smtp.example.com"
  port      = 465

Accounts that already exist or fail validation are reported and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, r *accounts.Registry) error {
				results, err := r.Import(ctx, args[0])
				printImportResults(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
}

func printImportResults(w io.Writer, results []accounts.ImportResult) {
	added := 0
	for _, res := range results {
		if res.Added {
			added++
			fmt.Fprintf(w, "added    %s\n", res.Name)
			continue
		}
		fmt.Fprintf(w, "skipped  %s: %s\n", res.Name, res.Message)
	}
	fmt.Fprintf(w, "%d of %d accounts imported\n", added, len(results))
}
