// Package agent contains the in-process execution strategy: the orchestrator
// that drives the plan, execute and observe loop, the planner and executor
// round-trips against the reasoning service, and the context window that keeps
// the planner's input within its token budget. A Router selects between this
// strategy and alternatives such as remote delegation based on the task mode.
package agent
