// Package batch parses tool parameters that accept either a single value
// or a list, such as recipients and message UIDs.
package batch
