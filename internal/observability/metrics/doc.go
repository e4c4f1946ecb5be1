// Package metrics owns the private Prometheus registry of the agent and the
// helpers components use to record planner calls, tool dispatches, history
// compactions, escalations, remote envelopes and task lifecycle events.
package metrics
