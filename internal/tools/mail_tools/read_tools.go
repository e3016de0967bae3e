package mail_tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/unimail/internal/mail"
	"github.com/teemow/unimail/internal/server"
	"github.com/teemow/unimail/internal/tools/common"
)

func handleListMessages(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	opts, err := listOptionsFromArgs(request.GetArguments())
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}

	page, err := sc.Mail().ListMessages(ctx, opts)
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	return common.JSONResult(page)
}

func listOptionsFromArgs(args map[string]interface{}) (mail.ListOptions, error) {
	account, err := common.RequiredString(args, common.ArgAccountName)
	if err != nil {
		return mail.ListOptions{}, err
	}
	opts := mail.NewListOptions(account)
	if opts.Page, err = common.IntArg(args, "page", opts.Page); err != nil {
		return opts, err
	}
	if opts.PageSize, err = common.IntArg(args, "page_size", opts.PageSize); err != nil {
		return opts, err
	}
	if opts.UnreadOnly, err = common.BoolArg(args, "unread_only", false); err != nil {
		return opts, err
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"mailbox", &opts.Mailbox},
		{"subject_filter", &opts.SubjectFilter},
		{"sender_filter", &opts.SenderFilter},
		{"since", &opts.Since},
		{"before", &opts.Before},
	}
	for _, s := range strs {
		if *s.dst, err = common.StringArg(args, s.name); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func handleGetMessage(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	var (
		opts mail.GetOptions
		err  error
	)
	if opts.Account, err = common.RequiredString(args, common.ArgAccountName); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	if opts.UID, err = common.Uint32Arg(args, "uid"); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	if opts.Mailbox, err = common.StringArg(args, "mailbox"); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	if opts.MarkAsRead, err = common.BoolArg(args, "mark_as_read", false); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	if opts.UIDValidity, err = common.Uint32Arg(args, "uid_validity"); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}

	msg, err := sc.Mail().GetMessage(ctx, opts)
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	return common.JSONResult(msg)
}

func handleListMailboxes(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	account, err := common.RequiredString(request.GetArguments(), common.ArgAccountName)
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}

	mailboxes, err := sc.Mail().ListMailboxes(ctx, account)
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	return common.JSONResult(mailboxes)
}
