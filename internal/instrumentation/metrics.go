package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrProtocol  = "protocol"
	attrResult    = "result"
	attrTransport = "transport"
	attrTool      = "tool"
	attrAccount   = "account"
)

// Metrics records the server's metrics. A nil *Metrics, or one created by a
// disabled provider, records nothing.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Mail metrics
	mailOperationsTotal   metric.Int64Counter
	mailOperationDuration metric.Float64Histogram
	sessionDialsTotal     metric.Int64Counter
	sessionDialDuration   metric.Float64Histogram
	activeSessions        metric.Int64UpDownCounter

	// Gateway metrics
	authTotal           metric.Int64Counter
	tokenRotationsTotal metric.Int64Counter

	// MCP Tool metrics
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram

	// detailedLabels controls whether high-cardinality labels are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether account names are attached.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.mailOperationsTotal, err = meter.Int64Counter(
		"mail_operations_total",
		metric.WithDescription("Total number of mail operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail_operations_total counter: %w", err)
	}

	m.mailOperationDuration, err = meter.Float64Histogram(
		"mail_operation_duration_seconds",
		metric.WithDescription("Mail operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail_operation_duration_seconds histogram: %w", err)
	}

	m.sessionDialsTotal, err = meter.Int64Counter(
		"mail_session_dials_total",
		metric.WithDescription("Total number of IMAP and SMTP connection attempts"),
		metric.WithUnit("{dial}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail_session_dials_total counter: %w", err)
	}

	m.sessionDialDuration, err = meter.Float64Histogram(
		"mail_session_dial_duration_seconds",
		metric.WithDescription("Time to connect and authenticate a mail session in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 15.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail_session_dial_duration_seconds histogram: %w", err)
	}

	m.activeSessions, err = meter.Int64UpDownCounter(
		"mail_active_sessions",
		metric.WithDescription("Number of open mail server sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail_active_sessions gauge: %w", err)
	}

	m.authTotal, err = meter.Int64Counter(
		"gateway_auth_total",
		metric.WithDescription("Total number of gateway authentication checks"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway_auth_total counter: %w", err)
	}

	m.tokenRotationsTotal, err = meter.Int64Counter(
		"gateway_token_rotations_total",
		metric.WithDescription("Total number of access token rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway_token_rotations_total counter: %w", err)
	}

	m.toolInvocationsTotal, err = meter.Int64Counter(
		"mcp_tool_invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_invocations_total counter: %w", err)
	}

	m.toolDuration, err = meter.Float64Histogram(
		"mcp_tool_duration_seconds",
		metric.WithDescription("MCP tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)

	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordMailOperation records one mail service operation.
//
// Parameters:
//   - protocol: "imap" or "smtp"
//   - operation: one of the Operation constants
//   - status: StatusSuccess or an error code such as "connection_error"
//   - duration: time taken including retries
func (m *Metrics) RecordMailOperation(ctx context.Context, protocol, operation, status string, duration time.Duration) {
	if m == nil || m.mailOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrProtocol, protocol),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	)

	m.mailOperationsTotal.Add(ctx, 1, attrs)
	m.mailOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSessionDial records a connection attempt. Status is "success",
// "error" or "auth_failed".
func (m *Metrics) RecordSessionDial(ctx context.Context, protocol, status string, duration time.Duration) {
	if m == nil || m.sessionDialsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrProtocol, protocol),
		attribute.String(attrStatus, status),
	)

	m.sessionDialsTotal.Add(ctx, 1, attrs)
	m.sessionDialDuration.Record(ctx, duration.Seconds(), attrs)
}

// IncrementActiveSessions counts an opened mail session
func (m *Metrics) IncrementActiveSessions(ctx context.Context, protocol string) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, 1, metric.WithAttributes(attribute.String(attrProtocol, protocol)))
}

// DecrementActiveSessions counts a closed mail session
func (m *Metrics) DecrementActiveSessions(ctx context.Context, protocol string) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, -1, metric.WithAttributes(attribute.String(attrProtocol, protocol)))
}

// RecordAuth records a gateway authentication check.
// Result should be one of the AuthResult constants.
func (m *Metrics) RecordAuth(ctx context.Context, transport, result string) {
	if m == nil || m.authTotal == nil {
		return
	}

	m.authTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrTransport, transport),
		attribute.String(attrResult, result),
	))
}

// RecordTokenRotation records a token rotation with result "success" or "error"
func (m *Metrics) RecordTokenRotation(ctx context.Context, result string) {
	if m == nil || m.tokenRotationsTotal == nil {
		return
	}
	m.tokenRotationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordToolInvocation records an MCP tool invocation with tool name, status, and duration.
// The account label is only attached when detailed labels are enabled.
func (m *Metrics) RecordToolInvocation(ctx context.Context, toolName, status, account string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	}

	// Only add high-cardinality labels if explicitly enabled
	if m.detailedLabels && account != "" {
		attrs = append(attrs, attribute.String(attrAccount, account))
	}

	m.toolInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
