// Package llm defines the reasoning-service contract used by the planner, the
// executor and the context window manager. Provider adapters live in the
// openai and pythonbridge subpackages.
package llm
