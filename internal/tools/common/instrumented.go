package common

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/trace"

	"github.com/teemow/unimail/internal/instrumentation"
	"github.com/teemow/unimail/internal/mailerr"
	"github.com/teemow/unimail/internal/server"
)

// InstrumentedToolHandler wraps a tool handler with tracing, metrics and
// audit logging.
//
// Usage:
//
//	s.AddTool(myTool, common.InstrumentedToolHandler("my_tool", sc, handler))
func InstrumentedToolHandler(toolName string, sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return InstrumentedToolHandlerWithOperation(toolName, "", "", sc, handler)
}

// InstrumentedToolHandlerWithOperation is like InstrumentedToolHandler but
// also records the mail protocol and operation on the audit record.
func InstrumentedToolHandlerWithOperation(toolName, protocol, operation string, sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		account := AccountFromArgs(request.GetArguments())

		ctx, span := instrumentation.StartToolSpan(ctx, toolName,
			instrumentation.NewSpanAttributeBuilder().WithAccount(account).Build()...)
		defer span.End()

		start := time.Now()
		invocation := instrumentation.NewToolInvocation(toolName).WithSpanContext(ctx)
		if protocol != "" {
			invocation.WithOperation(protocol, operation)
		}

		result, err := handler(ctx, request)
		duration := time.Since(start)

		code := ResultCode(result)
		if err != nil {
			code = mailerr.CodeInternal
		}
		finish(span, err, result, code)

		if metrics := sc.Metrics(); metrics != nil {
			metrics.RecordToolInvocation(ctx, toolName, instrumentation.StatusFromCode(code), account, duration)
		}

		if auditLogger := sc.AuditLogger(); auditLogger != nil {
			invocation.WithAccount(account, accountEmail(ctx, sc, account))
			invocation.Complete(invocationError(err, result, code), code)
			auditLogger.LogToolInvocation(ctx, invocation)
		}

		return result, err
	}
}

func finish(span trace.Span, err error, result *mcp.CallToolResult, code string) {
	if e := invocationError(err, result, code); e != nil {
		instrumentation.SetSpanError(span, e, code)
		return
	}
	instrumentation.SetSpanSuccess(span)
}

// invocationError returns the failure of a call: the Go error, or a
// placeholder carrying the code of an error result
func invocationError(err error, result *mcp.CallToolResult, code string) error {
	if err != nil {
		return err
	}
	if result != nil && result.IsError {
		return errors.New(code)
	}
	return nil
}

// accountEmail resolves the address of an account for the audit record.
// Unknown accounts have none.
func accountEmail(ctx context.Context, sc *server.ServerContext, name string) string {
	if name == "" {
		return ""
	}
	acct, err := sc.Registry().Get(ctx, name)
	if err != nil {
		return ""
	}
	return acct.EmailAddress
}
