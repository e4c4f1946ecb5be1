// Package tokenizer estimates token usage with tiktoken and falls back to a
// rune based heuristic when the BPE vocabulary cannot be loaded.
package tokenizer
