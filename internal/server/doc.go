// Package server wires the account registry, session pool, mail service
// and token manager into the running MCP server.
//
// # Key Components
//
// ServerContext holds the long-lived dependencies shared by tool handlers
// and HTTP endpoints, and owns their shutdown order: sessions close before
// the account store.
//
// HTTPServer exposes the MCP streamable HTTP transport on /mcp:
//   - Per-IP rate limiting ahead of authentication
//   - Bearer token validation against the token manager
//   - Request metrics labelled by route
//
// HealthChecker serves the unauthenticated probe endpoints /healthz,
// /readyz and /healthz/detailed. The detailed view lists session state
// but never credentials or message data.
//
// MetricsServer serves Prometheus metrics on a separate listener so that
// scraping needs no bearer token.
package server
