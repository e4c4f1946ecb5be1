// Package bootstrap assembles the orchestration runtime from configuration:
// reasoning client, web environment and tools, escalation store and gate,
// notification sinks, audit repository, the mode router and the task service.
// Both the daemon and the CLI build on it.
package bootstrap
