package instrumentation

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// ServiceName is the name of the service (default: unimail)
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// ServiceInstanceID is the unique instance identifier (default: hostname)
	ServiceInstanceID string

	// Deployment is the deployment context the server detected
	// (local, docker or heroku). Exported as deployment.environment.
	Deployment string

	// Enabled determines if instrumentation is active (default: true)
	Enabled bool

	// MetricsExporter is one of "prometheus", "otlp" or "stdout"
	// (default: "prometheus")
	MetricsExporter string

	// TracingExporter is one of "otlp", "stdout" or "none" (default: "none")
	TracingExporter string

	// OTLPEndpoint is the OTLP collector endpoint without protocol prefix,
	// e.g. "localhost:4318"
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP export. Local development only.
	OTLPInsecure bool

	// TraceSamplingRate is the sampling rate for traces (0.0 to 1.0, default: 0.1)
	TraceSamplingRate float64

	// DetailedLabels attaches account names to tool metrics. Account names
	// are unbounded, so keep this off in production.
	DetailedLabels bool

	// AuditLogging configures audit logging behavior.
	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig holds configuration for audit logging.
type AuditLoggingConfig struct {
	// Enabled determines if audit logging is active (default: true)
	Enabled bool

	// IncludePII logs the email address of the account a tool acted on.
	// When false (default), only a hash of it is logged.
	IncludePII bool
}

// DefaultConfig reads the configuration from the process environment.
func DefaultConfig() Config {
	return ConfigFromEnv(os.Getenv)
}

// ConfigFromEnv builds a Config from getenv. Every setting accepts an
// UNIMAIL_ prefixed name, which wins over the unprefixed or standard
// OpenTelemetry name.
func ConfigFromEnv(getenv func(string) string) Config {
	env := envSource(getenv)
	return Config{
		ServiceName:       env.str("unimail", "UNIMAIL_SERVICE_NAME", "OTEL_SERVICE_NAME"),
		ServiceVersion:    "unknown",
		ServiceInstanceID: env.str("", "UNIMAIL_SERVICE_INSTANCE_ID", "OTEL_SERVICE_INSTANCE_ID"),
		Enabled:           env.boolean(true, "UNIMAIL_INSTRUMENTATION_ENABLED", "INSTRUMENTATION_ENABLED"),
		MetricsExporter:   env.str(ExporterPrometheus, "UNIMAIL_METRICS_EXPORTER", "METRICS_EXPORTER"),
		TracingExporter:   env.str(ExporterNone, "UNIMAIL_TRACING_EXPORTER", "TRACING_EXPORTER"),
		OTLPEndpoint:      env.str("", "UNIMAIL_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:      env.boolean(false, "UNIMAIL_OTLP_INSECURE", "OTEL_EXPORTER_OTLP_INSECURE"),
		TraceSamplingRate: env.float(0.1, "UNIMAIL_TRACE_SAMPLING_RATE", "OTEL_TRACES_SAMPLER_ARG"),
		DetailedLabels:    env.boolean(false, "UNIMAIL_METRICS_DETAILED_LABELS", "METRICS_DETAILED_LABELS"),
		AuditLogging: AuditLoggingConfig{
			Enabled:    env.boolean(true, "UNIMAIL_AUDIT_LOGGING_ENABLED", "AUDIT_LOGGING_ENABLED"),
			IncludePII: env.boolean(false, "UNIMAIL_AUDIT_LOGGING_INCLUDE_PII", "AUDIT_LOGGING_INCLUDE_PII"),
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}

	switch c.MetricsExporter {
	case "", ExporterPrometheus, ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter)
	}

	switch c.TracingExporter {
	case "", ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter)
	}

	if c.OTLPEndpoint == "" && (c.TracingExporter == ExporterOTLP || c.MetricsExporter == ExporterOTLP) {
		return fmt.Errorf("OTLP endpoint is required when exporting metrics or traces over OTLP; set OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	return nil
}

// envSource looks settings up by name. The first non-empty name wins.
type envSource func(string) string

func (e envSource) lookup(names []string) (string, bool) {
	for _, name := range names {
		if v := e(name); v != "" {
			return v, true
		}
	}
	return "", false
}

func (e envSource) str(def string, names ...string) string {
	if v, ok := e.lookup(names); ok {
		return v
	}
	return def
}

// boolean falls back to def when the value does not parse
func (e envSource) boolean(def bool, names ...string) bool {
	v, ok := e.lookup(names)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func (e envSource) float(def float64, names ...string) float64 {
	v, ok := e.lookup(names)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return parsed
}

// Constants for metric label values.
const (
	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Gateway authentication results
	AuthResultSuccess   = "success"
	AuthResultMissing   = "missing"
	AuthResultMalformed = "malformed"
	AuthResultInvalid   = "invalid"

	// Exporter types
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"

	// Metric recording intervals
	DefaultMetricInterval = 10 * time.Second
)
