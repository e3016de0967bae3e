// Package logging provides structured logging utilities for the unimail server.
//
// All logging goes through log/slog. This package keeps attribute names
// consistent and sanitizes values that must never reach a log verbatim.
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithAccount(slog.Default(), "work")
//	logger.Info("session opened",
//	    logging.Protocol("imap"),
//	    logging.Status("success"))
//
// Sanitize sensitive data before logging:
//
//	logger.Warn("unauthorized tool call",
//	    slog.String("credential", logging.SanitizeToken(presented)))
//
// # Security Considerations
//
//   - Email addresses are hashed or reduced to their domain
//   - Bearer tokens and passwords are never logged
//   - Protocol traces redact LOGIN and AUTH arguments
package logging
