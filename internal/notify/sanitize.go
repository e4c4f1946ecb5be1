package notify

import (
	"context"
	"regexp"
)

// DefaultPlaceholder 替换被识别出的内部标记。
const DefaultPlaceholder = "[redacted]"

// DefaultMarkers 匹配不应出现在用户可见文本中的内部标记。
var DefaultMarkers = []*regexp.Regexp{
	regexp.MustCompile(`<\|[a-zA-Z_]+\|>`),
	regexp.MustCompile(`</?(tool_call|tool_result|function_call|internal)>`),
	regexp.MustCompile(`\[\[(internal|system)[^\]]*\]\]`),
	regexp.MustCompile(`(?i)\b(require_human_input|tool_calls)\s*\(`),
}

// SanitizingSink 在通知到达下游前替换内部标记，并通过 onDetect 回调报告。
type SanitizingSink struct {
	next        Sink
	markers     []*regexp.Regexp
	placeholder string
	onDetect    func(correlationID string, markers []string)
}

// SanitizeOption 定义可选配置。
type SanitizeOption func(*SanitizingSink)

// WithMarkers 替换默认的标记规则。
func WithMarkers(markers ...*regexp.Regexp) SanitizeOption {
	return func(s *SanitizingSink) { s.markers = markers }
}

// WithPlaceholder 设置替换文本。
func WithPlaceholder(placeholder string) SanitizeOption {
	return func(s *SanitizingSink) { s.placeholder = placeholder }
}

// OnDetect 设置检测回调，编排器借此在下一轮注入纠正指令。
func OnDetect(fn func(correlationID string, markers []string)) SanitizeOption {
	return func(s *SanitizingSink) { s.onDetect = fn }
}

// NewSanitizingSink 包装下游 Sink。
func NewSanitizingSink(next Sink, opts ...SanitizeOption) *SanitizingSink {
	if next == nil {
		next = Discard
	}
	s := &SanitizingSink{next: next, markers: DefaultMarkers, placeholder: DefaultPlaceholder}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Publish 实现 Sink 接口。
func (s *SanitizingSink) Publish(ctx context.Context, update Update) error {
	cleaned, found := s.Sanitize(update.Content)
	if len(found) > 0 {
		update.Content = cleaned
		if s.onDetect != nil {
			s.onDetect(update.CorrelationID, found)
		}
	}
	return s.next.Publish(ctx, update)
}

// Sanitize 返回替换后的文本与被替换的标记。
func (s *SanitizingSink) Sanitize(text string) (string, []string) {
	var found []string
	for _, re := range s.markers {
		matches := re.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		found = append(found, matches...)
		text = re.ReplaceAllLiteralString(text, s.placeholder)
	}
	return text, found
}
