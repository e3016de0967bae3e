package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// ProtocolWriter logs raw IMAP or SMTP protocol traffic at debug level.
// Lines carrying credentials are replaced before they reach the log.
type ProtocolWriter struct {
	logger   *slog.Logger
	protocol string
}

// NewProtocolWriter creates a ProtocolWriter. If logger is nil, slog.Default() is used.
func NewProtocolWriter(logger *slog.Logger, protocol string) *ProtocolWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProtocolWriter{logger: logger, protocol: protocol}
}

// Enabled reports whether protocol traces would be logged at all
func (w *ProtocolWriter) Enabled() bool {
	return w.logger.Enabled(context.Background(), slog.LevelDebug)
}

// Write implements io.Writer
func (w *ProtocolWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\r\n"), []byte("\n")) {
		w.logger.Debug("protocol trace",
			Protocol(w.protocol),
			slog.String("line", RedactProtocolLine(string(bytes.TrimRight(line, "\r")))))
	}
	return len(p), nil
}

// RedactProtocolLine hides the arguments of authentication commands
func RedactProtocolLine(line string) string {
	upper := strings.ToUpper(line)
	for _, cmd := range []string{" LOGIN ", " AUTHENTICATE ", "AUTH "} {
		if i := strings.Index(upper, cmd); i >= 0 {
			return line[:i+len(cmd)] + "[redacted]"
		}
	}
	return line
}
