package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/teemow/unimail/internal/logging"
)

// ToolInvocation captures one MCP tool call for the audit trail.
//
// # Privacy Considerations
//
// AccountEmail is PII. It is only logged when the audit logger is
// configured with IncludePII; otherwise a hash of it is logged.
type ToolInvocation struct {
	Tool      string
	RequestID string

	// Target of the call
	Account      string
	AccountEmail string
	Protocol     string
	Operation    string

	// Execution details
	StartTime time.Time
	Duration  time.Duration
	Success   bool
	ErrorCode string
	Error     string

	// Tracing context
	TraceID string
	SpanID  string
}

// NewToolInvocation creates a new ToolInvocation with timing started and a
// fresh request id. Call Complete when the tool finishes.
func NewToolInvocation(tool string) *ToolInvocation {
	return &ToolInvocation{
		Tool:      tool,
		RequestID: uuid.NewString(),
		StartTime: time.Now(),
	}
}

// Status returns "success" or "error" based on the Success field.
func (ti *ToolInvocation) Status() string {
	if ti.Success {
		return StatusSuccess
	}
	return StatusError
}

// WithAccount sets the account the tool acted on.
func (ti *ToolInvocation) WithAccount(name, email string) *ToolInvocation {
	ti.Account = name
	ti.AccountEmail = email
	return ti
}

// WithOperation sets the mail protocol and operation.
func (ti *ToolInvocation) WithOperation(protocol, operation string) *ToolInvocation {
	ti.Protocol = protocol
	ti.Operation = operation
	return ti
}

// WithSpanContext extracts trace context from the current span.
func (ti *ToolInvocation) WithSpanContext(ctx context.Context) *ToolInvocation {
	ti.TraceID = GetTraceID(ctx)
	ti.SpanID = GetSpanID(ctx)
	return ti
}

// Complete marks the invocation as completed and calculates duration.
// code is the stable error code of err.
func (ti *ToolInvocation) Complete(err error, code string) *ToolInvocation {
	ti.Duration = time.Since(ti.StartTime)
	ti.Success = err == nil
	if err != nil {
		ti.Error = err.Error()
		ti.ErrorCode = code
	}
	return ti
}

// LogAttrs returns slog attributes for structured logging. includePII
// selects between the account address and its hash.
func (ti *ToolInvocation) LogAttrs(includePII bool) []slog.Attr {
	attrs := []slog.Attr{
		slog.String(logging.KeyTool, ti.Tool),
		slog.String(logging.KeyRequestID, ti.RequestID),
		slog.Duration(logging.KeyDuration, ti.Duration),
		logging.Status(ti.Status()),
	}

	if ti.Account != "" {
		attrs = append(attrs, logging.Account(ti.Account))
	}
	if ti.AccountEmail != "" {
		if includePII {
			attrs = append(attrs, slog.String("account_email", ti.AccountEmail))
		} else {
			attrs = append(attrs, logging.UserHash(ti.AccountEmail))
		}
	}
	if ti.Protocol != "" {
		attrs = append(attrs, logging.Protocol(ti.Protocol))
	}
	if ti.Operation != "" {
		attrs = append(attrs, logging.Operation(ti.Operation))
	}
	if ti.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ti.TraceID))
	}
	if ti.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", ti.SpanID))
	}
	if ti.ErrorCode != "" {
		attrs = append(attrs, logging.ErrorCode(ti.ErrorCode))
	}
	if ti.Error != "" {
		attrs = append(attrs, slog.String(logging.KeyError, ti.Error))
	}

	return attrs
}

// AuditLogger writes one record per tool invocation
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an audit logger with the given configuration.
func NewAuditLogger(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logging.WithService(logger, "audit"),
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// LogToolInvocation logs ti at info level on success and warn level on
// failure. A nil or disabled logger does nothing.
func (al *AuditLogger) LogToolInvocation(ctx context.Context, ti *ToolInvocation) {
	if al == nil || !al.enabled {
		return
	}

	level := slog.LevelInfo
	msg := "tool_executed"
	if !ti.Success {
		level = slog.LevelWarn
		msg = "tool_failed"
	}
	al.logger.LogAttrs(ctx, level, msg, ti.LogAttrs(al.includePII)...)
}
