// Package instrumentation provides OpenTelemetry metrics, tracing and audit
// logging for the unimail MCP server.
//
// # Metrics
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, path, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//
// Mail Metrics:
//   - mail_operations_total: Counter of mail operations by protocol, operation, status
//   - mail_operation_duration_seconds: Histogram of mail operation durations
//   - mail_session_dials_total: Counter of IMAP/SMTP connection attempts by protocol, status
//   - mail_session_dial_duration_seconds: Histogram of connection setup durations
//   - mail_active_sessions: Gauge of open mail sessions by protocol
//
// Gateway Metrics:
//   - gateway_auth_total: Counter of authentication checks by transport and result
//   - gateway_token_rotations_total: Counter of access token rotations
//
// MCP Tool Metrics:
//   - mcp_tool_invocations_total: Counter of MCP tool invocations by tool name and status
//   - mcp_tool_duration_seconds: Histogram of MCP tool execution durations
//
// # Tracing
//
// Spans are created for MCP tool invocations (tool.<name>) and for mail
// operations (mail.<protocol>.<operation>).
//
// # Configuration
//
// DefaultConfig reads the environment. Each setting also accepts an
// UNIMAIL_ prefixed name, which takes precedence:
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: true)
//   - METRICS_EXPORTER: prometheus, otlp or stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT (UNIMAIL_OTLP_ENDPOINT): OTLP endpoint for traces/metrics
//   - OTEL_TRACES_SAMPLER_ARG (UNIMAIL_TRACE_SAMPLING_RATE): Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME (UNIMAIL_SERVICE_NAME): Service name (default: unimail)
//
// The detected deployment context is exported as the
// deployment.environment resource attribute.
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	metrics := provider.Metrics()
//	metrics.RecordMailOperation(ctx, "imap", "list_messages", "success", time.Since(start))
package instrumentation
