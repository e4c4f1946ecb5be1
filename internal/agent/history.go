package agent

import (
	"fmt"
	"strings"
	"sync"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/plan"
	"OpenMCP-Agent/internal/tools"
)

// EntryKind 是历史条目的判别字段。
type EntryKind string

const (
	EntryPlan           EntryKind = "plan"
	EntryPredefinedPlan EntryKind = "predefined_plan"
	EntrySummary        EntryKind = "summary"
)

// RoundOutcome 描述一轮执行的结局。
type RoundOutcome string

const (
	RoundContinued RoundOutcome = "continued"
	RoundDone      RoundOutcome = "done"
	RoundEscalated RoundOutcome = "escalated"
	RoundStalled   RoundOutcome = "stalled"
	RoundAborted   RoundOutcome = "aborted"
)

// Round 是一轮规划及其工具结果。
type Round struct {
	Iteration int            `json:"iteration"`
	Plan      plan.Plan      `json:"plan"`
	Results   []tools.Result `json:"results"`
	Outcome   RoundOutcome   `json:"outcome"`
}

// Summary 替换被压缩的历史前缀。
type Summary struct {
	Text                string `json:"text"`
	CoversUpToIteration int    `json:"covers_up_to_iteration"`
}

// HistoryEntry 是 Round 与 Summary 的带标签联合体，Kind 决定哪个字段有效。
type HistoryEntry struct {
	Kind    EntryKind `json:"kind"`
	Round   *Round    `json:"round,omitempty"`
	Summary *Summary  `json:"summary,omitempty"`
}

// Iteration 返回条目覆盖到的迭代序号。
func (e HistoryEntry) Iteration() int {
	switch e.Kind {
	case EntrySummary:
		if e.Summary != nil {
			return e.Summary.CoversUpToIteration
		}
	default:
		if e.Round != nil {
			return e.Round.Iteration
		}
	}
	return 0
}

// RoundEntry 构造一个轮次条目。
func RoundEntry(kind EntryKind, round Round) HistoryEntry {
	return HistoryEntry{Kind: kind, Round: &round}
}

// History 是单个任务内只追加的历史记录，归属于一次运行。
type History struct {
	mu      sync.RWMutex
	entries []HistoryEntry
}

// NewHistory 创建空历史。
func NewHistory() *History {
	return &History{}
}

// Append 追加一个轮次条目，迭代序号必须严格递增。
func (h *History) Append(entry HistoryEntry) error {
	if entry.Kind == EntrySummary || entry.Round == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "只能追加轮次条目")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if last := h.lastIterationLocked(); entry.Round.Iteration <= last {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("历史条目必须按迭代顺序追加: %d <= %d", entry.Round.Iteration, last))
	}
	h.entries = append(h.entries, entry)
	return nil
}

// Replace 用一个 Summary 原子地替换全部历史。
func (h *History) Replace(summary Summary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = []HistoryEntry{{Kind: EntrySummary, Summary: &summary}}
}

// Entries 返回历史的副本。
func (h *History) Entries() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len 返回条目数量。
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// LastIteration 返回最后一个条目覆盖到的迭代序号。
func (h *History) LastIteration() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastIterationLocked()
}

func (h *History) lastIterationLocked() int {
	if len(h.entries) == 0 {
		return 0
	}
	return h.entries[len(h.entries)-1].Iteration()
}

// IsMinimal 报告历史是否为空或仅剩一个 Summary，此时压缩没有意义。
func (h *History) IsMinimal() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries) == 0 || (len(h.entries) == 1 && h.entries[0].Kind == EntrySummary)
}

// Render 把历史渲染成推理服务可读的文本。
func (h *History) Render() string {
	entries := h.Entries()
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, entry := range entries {
		switch entry.Kind {
		case EntrySummary:
			if entry.Summary == nil {
				continue
			}
			fmt.Fprintf(&b, "## Summary of iterations 1-%d\n%s\n\n", entry.Summary.CoversUpToIteration, entry.Summary.Text)
		default:
			if entry.Round == nil {
				continue
			}
			renderRound(&b, entry.Kind, *entry.Round)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderRound(b *strings.Builder, kind EntryKind, round Round) {
	fmt.Fprintf(b, "## Iteration %d (%s)\n", round.Iteration, round.Outcome)
	if round.Plan.Reasoning != "" {
		fmt.Fprintf(b, "Reasoning: %s\n", round.Plan.Reasoning)
	}
	for i, action := range round.Plan.ProposedActions {
		fmt.Fprintf(b, "Action %d: %s\n", i+1, action)
	}
	if kind == EntryPredefinedPlan && round.Plan.TodoMarkdown != "" {
		fmt.Fprintf(b, "TODO:\n%s\n", round.Plan.TodoMarkdown)
	}
	if round.Plan.FinalAnswer != "" {
		fmt.Fprintf(b, "Final answer: %s\n", round.Plan.FinalAnswer)
	}
	for _, result := range round.Results {
		status := "ok"
		if !result.OK {
			status = "failed"
		}
		fmt.Fprintf(b, "- [%s] %s\n", status, result.Text())
	}
	b.WriteByte('\n')
}
