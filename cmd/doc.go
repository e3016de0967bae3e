// Package cmd implements the command-line interface for unimail.
//
// This package provides the following commands:
//   - serve: Start the MCP server over stdio or streamable HTTP
//   - account: List, add, remove and import email accounts
//   - token: Show, rotate and inspect the access token
//   - generate-docs: Generate markdown documentation for all MCP tools
//   - version: Display version information
package cmd
