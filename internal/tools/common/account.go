package common

import "strings"

// ArgAccountName is the tool argument naming the target account
const ArgAccountName = "account_name"

// AccountFromArgs returns the account named in the request arguments, or
// "" when the tool takes none.
func AccountFromArgs(args map[string]interface{}) string {
	if v, ok := args[ArgAccountName].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
