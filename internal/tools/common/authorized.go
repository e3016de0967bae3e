package common

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/unimail/internal/auth"
	"github.com/teemow/unimail/internal/logging"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/server"
)

// ToolHandler is the signature of an mcp-go tool handler
type ToolHandler = func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// AuthorizedToolHandler validates the credential carried in ctx against the
// token manager before calling handler. Unauthorized calls do no work.
func AuthorizedToolHandler(sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		presented := auth.CredentialFromContext(ctx)
		res := sc.Tokens().Validate(presented)

		result := "success"
		if !res.Authorized {
			result = "invalid"
		}
		if m := sc.Metrics(); m != nil {
			m.RecordAuth(ctx, "mcp", result)
		}

		if !res.Authorized {
			sc.Logger().Warn("unauthorized tool call",
				logging.Tool(request.Params.Name),
				slog.String("credential", logging.SanitizeToken(presented)),
				slog.String("reason", res.Reason))
			return ErrorResult(sc.Logger(), mailerr.New(mailerr.KindUnauthorized, "invalid or missing access token")), nil
		}
		return handler(ctx, request)
	}
}

// Handler wraps a tool handler with instrumentation and authorization. Every
// tool is registered through it.
func Handler(toolName string, sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return InstrumentedToolHandler(toolName, sc, AuthorizedToolHandler(sc, handler))
}

// MailHandler is Handler for tools that run a mail operation
func MailHandler(toolName, protocol, operation string, sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return InstrumentedToolHandlerWithOperation(toolName, protocol, operation, sc, AuthorizedToolHandler(sc, handler))
}
