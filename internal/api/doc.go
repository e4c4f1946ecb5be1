// Package api exposes the REST surface of the agent daemon: task submission,
// listing, cancellation, audit retrieval and the human escalation response
// endpoint, plus health and Prometheus metrics.
package api
