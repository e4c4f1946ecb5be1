// Package escalation implements the bounded human-in-the-loop wait. A Gate
// publishes a request with a fresh correlation id, polls its Store until a
// decision, an abort or the hard timeout, and always clears the request
// before returning.
package escalation
