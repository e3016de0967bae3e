package mail_tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/mail"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/server"
	"github.com/teemow/unimail/internal/tools/batch"
	"github.com/teemow/unimail/internal/tools/common"
)

func registerSendTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	sendMessageTool := mcp.NewTool("send_message",
		mcp.WithDescription("Send an email from a registered account. The result confirms the server accepted the message for delivery, not that it was delivered."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		accountParam(),
		mcp.WithString("recipients",
			mcp.Required(),
			mcp.Description("Recipient address (string) or array of addresses"),
		),
		mcp.WithString("subject",
			mcp.Required(),
			mcp.Description("Subject line"),
		),
		mcp.WithString("body",
			mcp.Required(),
			mcp.Description("Message body, plain text unless is_html is set"),
		),
		mcp.WithString("cc",
			mcp.Description("Cc address (string) or array of addresses"),
		),
		mcp.WithString("bcc",
			mcp.Description("Bcc address (string) or array of addresses. Bcc recipients are not written to the message headers."),
		),
		mcp.WithBoolean("is_html",
			mcp.Description("Send the body as HTML (default: false)"),
		),
		mcp.WithArray("attachments",
			mcp.Description("Files to attach"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"filename":     map[string]any{"type": "string", "description": "File name shown to the recipient"},
					"content":      map[string]any{"type": "string", "description": "Base64 encoded file content"},
					"content_type": map[string]any{"type": "string", "description": "MIME type (default: derived from the file name)"},
				},
				"required": []string{"filename", "content"},
			}),
		),
	)
	s.AddTool(sendMessageTool, common.MailHandler("send_message", instrumentation.ProtocolSMTP, instrumentation.OperationSendMessage, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleSendMessage(ctx, request, sc)
		}))
}

func handleSendMessage(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	opts, err := sendOptionsFromArgs(request.GetArguments())
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}

	receipt, err := sc.Mail().SendMessage(ctx, opts)
	if err != nil {
		return common.ErrorResult(sc.Logger(), err), nil
	}
	return common.JSONResult(receipt)
}

func sendOptionsFromArgs(args map[string]interface{}) (mail.SendOptions, error) {
	var (
		opts mail.SendOptions
		err  error
	)
	if opts.Account, err = common.RequiredString(args, common.ArgAccountName); err != nil {
		return opts, err
	}
	if opts.To, err = batch.ParseStringOrArray(args["recipients"], "recipients"); err != nil {
		return opts, err
	}
	if opts.Cc, err = batch.OptionalStringOrArray(args["cc"], "cc"); err != nil {
		return opts, err
	}
	if opts.Bcc, err = batch.OptionalStringOrArray(args["bcc"], "bcc"); err != nil {
		return opts, err
	}
	if opts.Subject, err = common.StringArg(args, "subject"); err != nil {
		return opts, err
	}
	if opts.Body, err = common.StringArg(args, "body"); err != nil {
		return opts, err
	}
	if opts.IsHTML, err = common.BoolArg(args, "is_html", false); err != nil {
		return opts, err
	}
	if opts.Attachments, err = parseAttachments(args["attachments"]); err != nil {
		return opts, err
	}
	return opts, nil
}

// parseAttachments accepts an array of attachment objects or its JSON
// encoding
func parseAttachments(param interface{}) ([]mail.Attachment, error) {
	if param == nil {
		return nil, nil
	}

	var raw []byte
	switch v := param.(type) {
	case string:
		if v == "" {
			return nil, nil
		}
		raw = []byte(v)
	default:
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return nil, mailerr.InvalidArgument("attachments must be an array of objects")
		}
	}

	var out []mail.Attachment
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, mailerr.InvalidArgument("attachments must be an array of objects with filename and content")
	}
	return out, nil
}
