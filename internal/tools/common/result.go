package common

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/unimail/internal/logging"
	"github.com/teemow/unimail/internal/mailerr"
)

const errorPrefix = "error ["

// ErrorResult converts err into a tool error of the form
// "error [<code>]: <message>". Internal details are logged, never returned.
func ErrorResult(logger *slog.Logger, err error) *mcp.CallToolResult {
	code := mailerr.Code(err)
	if code == mailerr.CodeInternal && logger != nil {
		logger.Error("tool failed with internal error", logging.Err(err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s%s]: %s", errorPrefix, code, mailerr.Message(err)))
}

// JSONResult returns v as indented JSON text
func JSONResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ResultCode returns the error code carried by a tool result built with
// ErrorResult, "internal" for any other error result and "" on success.
func ResultCode(result *mcp.CallToolResult) string {
	if result == nil || !result.IsError {
		return ""
	}
	for _, c := range result.Content {
		text, ok := mcp.AsTextContent(c)
		if !ok {
			continue
		}
		rest, found := strings.CutPrefix(text.Text, errorPrefix)
		if !found {
			break
		}
		if code, _, ok := strings.Cut(rest, "]"); ok {
			return code
		}
	}
	return mailerr.CodeInternal
}
