package tokenizer

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding 是默认使用的 BPE 编码。
const DefaultEncoding = "cl100k_base"

// Counter 估算文本的 token 数量。
type Counter interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

// Tokenizer 基于 tiktoken 计数，编码不可用时退化为字符启发式估算。
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Tokenizer{}
)

// New 返回指定编码的 Tokenizer，同一编码只初始化一次。
func New(encoding string) *Tokenizer {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if t, ok := cache[encoding]; ok {
		return t
	}
	t := &Tokenizer{}
	if enc, err := tiktoken.GetEncoding(encoding); err == nil {
		t.encoding = enc
	}
	cache[encoding] = t
	return t
}

// Heuristic 返回不依赖 BPE 词表的估算器。
func Heuristic() *Tokenizer {
	return &Tokenizer{}
}

// Exact 报告是否使用了真实的 BPE 编码。
func (t *Tokenizer) Exact() bool {
	return t != nil && t.encoding != nil
}

// Count 返回 token 数量。
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	if t.Exact() {
		return len(t.encoding.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Truncate 把文本截断到不超过 maxTokens。
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if t.Exact() {
		tokens := t.encoding.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return t.encoding.Decode(tokens[:maxTokens])
	}
	if Estimate(text) <= maxTokens {
		return text
	}
	return truncateEstimate(text, maxTokens)
}

// truncateEstimate 返回 Estimate 不超过 maxTokens 的最长前缀，并尽量停在空白处。
// Estimate 随前缀增长单调不减，所以可以二分。
func truncateEstimate(text string, maxTokens int) string {
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if Estimate(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	cut := lo
	if cut < len(runes) && !unicode.IsSpace(runes[cut]) {
		for i := cut; i > 0; i-- {
			if unicode.IsSpace(runes[i-1]) {
				cut = i
				break
			}
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
}

// Estimate 返回启发式估算：max(字符数/4, 单词数)。
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
