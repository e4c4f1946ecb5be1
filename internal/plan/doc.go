// Package plan parses reasoning-service output into plans and tool calls.
// Parsing never fails: malformed or partial JSON is repaired when possible and
// every missing field falls back to an empty default.
package plan
