// Package tools holds the tool registry used by the action executor together
// with the two reserved marker tools: done and require_human_input.
package tools
