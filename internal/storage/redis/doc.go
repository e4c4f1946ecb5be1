// Package redis builds the shared Redis client used by the task queue and the
// escalation store.
package redis
