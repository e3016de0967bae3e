package instrumentation

import "github.com/teemow/unimail/internal/mailerr"

// Cardinality management for metric labels. Account names and addresses
// are user controlled and unbounded, so label values are either drawn from
// the fixed sets below or passed through StatusFromCode.

// Operation label values for mail metrics and spans
const (
	OperationListMessages  = "list_messages"
	OperationGetMessage    = "get_message"
	OperationSendMessage   = "send_message"
	OperationMarkMessage   = "mark_message"
	OperationListMailboxes = "list_mailboxes"
)

// Protocol label values
const (
	ProtocolIMAP = "imap"
	ProtocolSMTP = "smtp"
)

var knownCodes = map[string]bool{
	mailerr.CodeInternal:        true,
	mailerr.CodeInvalidArgument: true,
	mailerr.CodeConflict:        true,
	mailerr.CodeNotFound:        true,
	mailerr.CodeAuthentication:  true,
	mailerr.CodeConnection:      true,
	mailerr.CodeUnauthorized:    true,
	mailerr.CodeStaleReference:  true,
}

// StatusFromCode maps an error code to a bounded status label. An empty
// code means success.
//
// Example:
//
//	StatusFromCode("")                  // "success"
//	StatusFromCode("connection_error")  // "connection_error"
//	StatusFromCode("something else")    // "error"
func StatusFromCode(code string) string {
	switch {
	case code == "":
		return StatusSuccess
	case knownCodes[code]:
		return code
	default:
		return StatusError
	}
}
