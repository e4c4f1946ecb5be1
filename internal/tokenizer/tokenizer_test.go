package tokenizer

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	if Estimate("   ") != 0 {
		t.Fatalf("blank text should count zero")
	}
	if got := Estimate("one two three"); got != 3 {
		t.Fatalf("expected word count to dominate, got %d", got)
	}
	if got := Estimate(strings.Repeat("a", 40)); got != 10 {
		t.Fatalf("expected runes/4, got %d", got)
	}
}

func TestHeuristicTruncate(t *testing.T) {
	tk := Heuristic()
	text := strings.Repeat("abcd", 100)
	out := tk.Truncate(text, 10)
	if got := Estimate(out); got != 10 {
		t.Fatalf("expected the longest prefix within budget, got %d tokens", got)
	}
	if !strings.HasPrefix(text, out) || len(out) != 43 {
		t.Fatalf("unexpected truncated length %d", len(out))
	}
	if tk.Truncate("short", 10) != "short" {
		t.Fatalf("short text must be untouched")
	}
	if tk.Truncate("anything", 0) != "" {
		t.Fatalf("zero budget yields empty text")
	}
}

func TestTokenizerRespectsBudget(t *testing.T) {
	tk := New(DefaultEncoding)
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 50)
	total := tk.Count(text)
	if total == 0 {
		t.Fatalf("expected non-zero count")
	}
	out := tk.Truncate(text, total/2)
	if got := tk.Count(out); got > total/2+1 {
		t.Fatalf("truncated text has %d tokens, budget %d", got, total/2)
	}
	if New(DefaultEncoding) != tk {
		t.Fatalf("tokenizers should be cached per encoding")
	}
}

func TestHeuristicTruncateShortWords(t *testing.T) {
	tk := Heuristic()
	text := strings.Repeat("1 2 3 4 5 6 7 8 9 0 ", 200)
	if got := Estimate(text); got != 2000 {
		t.Fatalf("expected word count to dominate, got %d", got)
	}
	out := tk.Truncate(text, 200)
	if got := tk.Count(out); got != 200 {
		t.Fatalf("truncated text has %d tokens, budget 200", got)
	}
	if !strings.HasPrefix(text, out) {
		t.Fatalf("truncation must keep a prefix")
	}
	if strings.HasSuffix(out, " ") || len(strings.Fields(out)) != 200 {
		t.Fatalf("expected a cut on a word boundary, got %q", out[len(out)-10:])
	}
}

func TestHeuristicTruncatePrefersWordBoundary(t *testing.T) {
	out := Heuristic().Truncate("alpha beta gamma delta", 3)
	if out != "alpha beta" {
		t.Fatalf("unexpected truncation %q", out)
	}
}
