package mail_tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/mail"
	"github.com/teemow/unimail/internal/server"
	"github.com/teemow/unimail/internal/tools/common"
)

func accountParam() mcp.ToolOption {
	return mcp.WithString(common.ArgAccountName,
		mcp.Required(),
		mcp.Description("Name of the registered account to use"),
	)
}

func mailboxParam() mcp.ToolOption {
	return mcp.WithString("mailbox",
		mcp.Description(fmt.Sprintf("Mailbox name (default: %s)", mail.DefaultMailbox)),
	)
}

func uidValidityParam() mcp.ToolOption {
	return mcp.WithNumber("uid_validity",
		mcp.Description("UID validity returned by list_messages. If it no longer matches, the call fails with uid_validity_changed instead of touching another message."),
	)
}

// RegisterMailTools registers the mail tools. send_message and
// mark_message are omitted in read-only mode.
func RegisterMailTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	listMessagesTool := mcp.NewTool("list_messages",
		mcp.WithDescription("List messages of a mailbox, newest first, with the total number of matches"),
		mcp.WithReadOnlyHintAnnotation(true),
		accountParam(),
		mailboxParam(),
		mcp.WithNumber("page",
			mcp.Description("Page number starting at 1 (default: 1)"),
		),
		mcp.WithNumber("page_size",
			mcp.Description(fmt.Sprintf("Messages per page (default: %d, max: %d)", mail.DefaultPageSize, mail.MaxPageSize)),
		),
		mcp.WithString("subject_filter",
			mcp.Description("Only messages whose subject contains this text"),
		),
		mcp.WithString("sender_filter",
			mcp.Description("Only messages whose sender contains this text"),
		),
		mcp.WithBoolean("unread_only",
			mcp.Description("Only unread messages (default: false)"),
		),
		mcp.WithString("since",
			mcp.Description("Only messages received on or after this date (YYYY-MM-DD)"),
		),
		mcp.WithString("before",
			mcp.Description("Only messages received before this date (YYYY-MM-DD)"),
		),
	)
	s.AddTool(listMessagesTool, common.MailHandler("list_messages", instrumentation.ProtocolIMAP, instrumentation.OperationListMessages, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleListMessages(ctx, request, sc)
		}))

	getMessageTool := mcp.NewTool("get_message",
		mcp.WithDescription("Retrieve a message by UID with its text, HTML body and attachment list"),
		accountParam(),
		mcp.WithNumber("uid",
			mcp.Required(),
			mcp.Description("UID of the message"),
		),
		mailboxParam(),
		mcp.WithBoolean("mark_as_read",
			mcp.Description("Mark the message as read (default: false)"),
		),
		uidValidityParam(),
	)
	s.AddTool(getMessageTool, common.MailHandler("get_message", instrumentation.ProtocolIMAP, instrumentation.OperationGetMessage, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleGetMessage(ctx, request, sc)
		}))

	listMailboxesTool := mcp.NewTool("list_mailboxes",
		mcp.WithDescription("List the mailboxes of an account in server order"),
		mcp.WithReadOnlyHintAnnotation(true),
		accountParam(),
	)
	s.AddTool(listMailboxesTool, common.MailHandler("list_mailboxes", instrumentation.ProtocolIMAP, instrumentation.OperationListMailboxes, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleListMailboxes(ctx, request, sc)
		}))

	if readOnly {
		return nil
	}

	registerSendTool(s, sc)

	markMessageTool := mcp.NewTool("mark_message",
		mcp.WithDescription("Mark one or more messages as read or unread"),
		mcp.WithIdempotentHintAnnotation(true),
		accountParam(),
		mcp.WithString("uid",
			mcp.Required(),
			mcp.Description("UID (number or string) or array of UIDs"),
		),
		mcp.WithBoolean("read",
			mcp.Required(),
			mcp.Description("true to mark as read, false to mark as unread"),
		),
		mailboxParam(),
		uidValidityParam(),
	)
	s.AddTool(markMessageTool, common.MailHandler("mark_message", instrumentation.ProtocolIMAP, instrumentation.OperationMarkMessage, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleMarkMessage(ctx, request, sc)
		}))

	return nil
}
