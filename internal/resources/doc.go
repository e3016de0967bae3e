// Package resources provides MCP resources exposing server state.
// Resources are read-only data sources that MCP clients can fetch:
//
//   - unimail://accounts: the registered accounts, passwords redacted
//   - unimail://sessions: the state of every pooled IMAP and SMTP session
//
// Reading a resource requires the same credential as calling a tool.
package resources
