package account_tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/unimail/internal/accounts"
	"github.com/teemow/unimail/internal/server"
	"github.com/teemow/unimail/internal/tools/common"
)

// RegisterAccountTools registers the account management tools. add_account
// and remove_account are omitted in read-only mode.
func RegisterAccountTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	listAccountsTool := mcp.NewTool("list_accounts",
		mcp.WithDescription("List the registered email accounts. Passwords are never returned."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(listAccountsTool, common.Handler("list_accounts", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListAccounts(ctx, request, sc)
	}))

	if readOnly {
		return nil
	}

	addAccountTool := mcp.NewTool("add_account",
		mcp.WithDescription("Register an email account with its IMAP and SMTP servers. The connection is not tested."),
		mcp.WithString(common.ArgAccountName,
			mcp.Required(),
			mcp.Description("Unique name of the account, e.g. 'work'"),
		),
		mcp.WithString("full_name",
			mcp.Required(),
			mcp.Description("Display name used as the sender name"),
		),
		mcp.WithString("email_address",
			mcp.Required(),
			mcp.Description("Email address of the account"),
		),
		mcp.WithString("user_name",
			mcp.Required(),
			mcp.Description("Login name for both servers"),
		),
		mcp.WithString("password",
			mcp.Required(),
			mcp.Description("Password or app password for both servers"),
		),
		mcp.WithString("imap_host",
			mcp.Required(),
			mcp.Description("IMAP server host name"),
		),
		mcp.WithString("smtp_host",
			mcp.Required(),
			mcp.Description("SMTP server host name"),
		),
		mcp.WithNumber("imap_port",
			mcp.Description(fmt.Sprintf("IMAP server port (default: %d)", accounts.DefaultIMAPPort)),
		),
		mcp.WithNumber("smtp_port",
			mcp.Description(fmt.Sprintf("SMTP server port (default: %d)", accounts.DefaultSMTPPort)),
		),
		mcp.WithBoolean("imap_use_ssl",
			mcp.Description("Use implicit TLS for IMAP; otherwise STARTTLS is required (default: true)"),
		),
		mcp.WithBoolean("smtp_use_ssl",
			mcp.Description("Use implicit TLS for SMTP; otherwise STARTTLS is required (default: true)"),
		),
		mcp.WithBoolean("verify_ssl",
			mcp.Description("Verify server certificates (default: true)"),
		),
	)
	s.AddTool(addAccountTool, common.Handler("add_account", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleAddAccount(ctx, request, sc)
	}))

	removeAccountTool := mcp.NewTool("remove_account",
		mcp.WithDescription("Remove a registered email account and close its open connections"),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString(common.ArgAccountName,
			mcp.Required(),
			mcp.Description("Name of the account to remove"),
		),
	)
	s.AddTool(removeAccountTool, common.Handler("remove_account", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleRemoveAccount(ctx, request, sc)
	}))

	return nil
}

func handleListAccounts(ctx context.Context, _ mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	list, err := sc.Registry().List(ctx)
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	if list == nil {
		list = []accounts.Account{}
	}
	return common.JSONResult(list)
}

func handleAddAccount(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	acct, err := accountFromArgs(request.GetArguments())
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}

	if err := sc.Registry().Add(ctx, acct); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Account %q added", acct.Name)), nil
}

func accountFromArgs(args map[string]interface{}) (accounts.Account, error) {
	var (
		acct accounts.Account
		err  error
	)

	strs := []struct {
		name string
		dst  *string
	}{
		{common.ArgAccountName, &acct.Name},
		{"full_name", &acct.FullName},
		{"email_address", &acct.EmailAddress},
		{"user_name", &acct.UserName},
		{"password", &acct.Password},
		{"imap_host", &acct.IMAPHost},
		{"smtp_host", &acct.SMTPHost},
	}
	for _, s := range strs {
		if *s.dst, err = common.StringArg(args, s.name); err != nil {
			return acct, err
		}
	}

	if acct.IMAPPort, err = common.IntArg(args, "imap_port", 0); err != nil {
		return acct, err
	}
	if acct.SMTPPort, err = common.IntArg(args, "smtp_port", 0); err != nil {
		return acct, err
	}
	if acct.IMAPTLS, err = common.BoolArg(args, "imap_use_ssl", true); err != nil {
		return acct, err
	}
	if acct.SMTPTLS, err = common.BoolArg(args, "smtp_use_ssl", true); err != nil {
		return acct, err
	}
	verify, err := common.BoolArg(args, "verify_ssl", true)
	if err != nil {
		return acct, err
	}
	acct.TLSSkipVerify = !verify
	return acct, nil
}

func handleRemoveAccount(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	name, err := common.RequiredString(request.GetArguments(), common.ArgAccountName)
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}

	if err := sc.Registry().Remove(ctx, name); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Account %q removed", name)), nil
}
