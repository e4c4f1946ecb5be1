package agent

import (
	"context"
	"strings"
)

// ObservationSection 是环境观察中的一个片段。OutsideFocus 标记当前焦点之外的内容，
// 例如页面导航栏，预算不足时最先被丢弃。
type ObservationSection struct {
	Title        string `json:"title,omitempty"`
	Text         string `json:"text"`
	OutsideFocus bool   `json:"outside_focus,omitempty"`
}

// Observation 是一次环境观察的文本快照。
type Observation struct {
	Sections []ObservationSection `json:"sections"`
}

// TextObservation 用单段文本构造观察。
func TextObservation(text string) Observation {
	if strings.TrimSpace(text) == "" {
		return Observation{}
	}
	return Observation{Sections: []ObservationSection{{Text: text}}}
}

// Empty 报告观察是否没有内容。
func (o Observation) Empty() bool {
	for _, s := range o.Sections {
		if strings.TrimSpace(s.Text) != "" {
			return false
		}
	}
	return true
}

// Render 渲染观察文本。
func (o Observation) Render() string {
	var b strings.Builder
	for _, s := range o.Sections {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if s.Title != "" {
			b.WriteString("### ")
			b.WriteString(s.Title)
			b.WriteByte('\n')
		}
		b.WriteString(strings.TrimSpace(s.Text))
	}
	return b.String()
}

// Environment 提供环境观察。实现可以是网页会话、文件系统或任意外部系统。
type Environment interface {
	Observe(ctx context.Context) (Observation, error)
}

// EnvironmentFunc 允许使用普通函数实现 Environment。
type EnvironmentFunc func(ctx context.Context) (Observation, error)

// Observe 实现 Environment 接口。
func (f EnvironmentFunc) Observe(ctx context.Context) (Observation, error) { return f(ctx) }

// StaticEnvironment 始终返回同一份观察。
type StaticEnvironment Observation

// Observe 实现 Environment 接口。
func (s StaticEnvironment) Observe(context.Context) (Observation, error) {
	return Observation(s), nil
}
