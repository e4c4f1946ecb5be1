package plan

import (
	"strings"
)

// TodoProgress 统计清单中各状态条目的数量。
type TodoProgress struct {
	Pending int
	Done    int
	Failed  int
}

// Total 返回条目总数。
func (p TodoProgress) Total() int { return p.Pending + p.Done + p.Failed }

// BuildTodo 根据预定义步骤生成初始清单。
func BuildTodo(steps []string) string {
	var b strings.Builder
	for _, step := range steps {
		step = strings.TrimSpace(step)
		if step == "" {
			continue
		}
		b.WriteString("- [ ] ")
		b.WriteString(step)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// CountTodo 统计 "- [ ]"、"- [x]"、"- [!]" 三种条目。
func CountTodo(markdown string) TodoProgress {
	var p TodoProgress
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- [") && !strings.HasPrefix(line, "* [") {
			continue
		}
		if len(line) < 5 || line[4] != ']' {
			continue
		}
		switch line[3] {
		case ' ':
			p.Pending++
		case 'x', 'X':
			p.Done++
		case '!':
			p.Failed++
		}
	}
	return p
}
