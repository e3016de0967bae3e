// Package account_tools provides the MCP tools that manage registered mail
// accounts.
//
// Available tools:
//   - list_accounts: List accounts with passwords redacted
//   - add_account: Register an account (not available in read-only mode)
//   - remove_account: Delete an account and close its sessions (not
//     available in read-only mode)
package account_tools
