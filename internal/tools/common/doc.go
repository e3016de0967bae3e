// Package common provides the handler wrappers and argument helpers shared
// by every MCP tool package. No tool is registered without
// AuthorizedToolHandler.
package common
