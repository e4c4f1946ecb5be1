// Package notify carries incremental task updates to downstream consumers.
// A Stream keys updates by correlation id and emits exactly one terminal
// update; sinks write to logs, RabbitMQ or memory, and the sanitizing sink
// strips internal markers before anything leaves the process.
package notify
