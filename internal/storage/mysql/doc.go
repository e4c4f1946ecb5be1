// Package mysql provides the MySQL connection helpers, embedded schema
// migrations and the audit trail repositories used by the planner and the
// orchestrator.
package mysql
