package mail_tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/unimail/internal/mail"
	"github.com/teemow/unimail/internal/server"
	"github.com/teemow/unimail/internal/tools/batch"
	"github.com/teemow/unimail/internal/tools/common"
)

func handleMarkMessage(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	var (
		opts mail.MarkOptions
		err  error
	)
	if opts.Account, err = common.RequiredString(args, common.ArgAccountName); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	if opts.UIDs, err = batch.ParseUIDs(args["uid"], "uid"); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	if opts.Read, err = common.RequiredBool(args, "read"); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	if opts.Mailbox, err = common.StringArg(args, "mailbox"); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	if opts.UIDValidity, err = common.Uint32Arg(args, "uid_validity"); err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}

	report, err := sc.Mail().MarkMessage(ctx, opts)
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	return common.JSONResult(report)
}
