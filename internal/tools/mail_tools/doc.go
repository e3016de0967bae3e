// Package mail_tools provides the MCP tools that read and send mail through
// a registered account.
//
// Available tools:
//   - list_messages: Page through a mailbox, newest first
//   - get_message: Retrieve one message by UID
//   - list_mailboxes: List the mailboxes of an account
//   - send_message: Send a message (not available in read-only mode)
//   - mark_message: Mark messages read or unread (not available in
//     read-only mode)
//
// Messages are addressed by UID. A client may pass the uid_validity
// returned by list_messages to detect a mailbox that was rebuilt since.
package mail_tools
