package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenMCP-Agent/internal/llm"
	"OpenMCP-Agent/internal/observability/metrics"
	"OpenMCP-Agent/internal/storage/mysql"
	"OpenMCP-Agent/internal/tokenizer"
	"OpenMCP-Agent/pkg/logger"
)

const truncationMarker = "[Observation truncated to fit the context budget. It is incomplete: use the %s tool to look up specific content instead of assuming this view is complete.]"

// WindowConfig 描述推理服务输入的预算。
type WindowConfig struct {
	TokenBudget      int
	CompactionRatio  float64
	ObservationShare float64
	LookupToolName   string
}

// DefaultWindowConfig 返回默认预算配置。
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		TokenBudget:      32000,
		CompactionRatio:  0.7,
		ObservationShare: 0.35,
		LookupToolName:   "find_text",
	}
}

func (c WindowConfig) withDefaults() WindowConfig {
	def := DefaultWindowConfig()
	if c.TokenBudget <= 0 {
		c.TokenBudget = def.TokenBudget
	}
	if c.CompactionRatio <= 0 || c.CompactionRatio > 1 {
		c.CompactionRatio = def.CompactionRatio
	}
	if c.ObservationShare <= 0 || c.ObservationShare > 1 {
		c.ObservationShare = def.ObservationShare
	}
	if strings.TrimSpace(c.LookupToolName) == "" {
		c.LookupToolName = def.LookupToolName
	}
	return c
}

// ContextWindow 在每次规划前估算输入规模，超出阈值时通过摘要压缩历史，
// 并把观察文本限制在其预算份额之内。
type ContextWindow struct {
	cfg     WindowConfig
	counter tokenizer.Counter
	client  llm.Client
	audit   mysql.AuditRepository
	logger  *slog.Logger
}

// NewContextWindow 创建上下文窗口管理器，counter 为空时使用 cl100k_base。
func NewContextWindow(client llm.Client, counter tokenizer.Counter, cfg WindowConfig) *ContextWindow {
	if counter == nil {
		counter = tokenizer.New(tokenizer.DefaultEncoding)
	}
	return &ContextWindow{
		cfg:     cfg.withDefaults(),
		counter: counter,
		client:  client,
		logger:  logger.Named("context_window"),
	}
}

// Config 返回生效的配置。
func (w *ContextWindow) Config() WindowConfig { return w.cfg }

func (w *ContextWindow) compactionThreshold() int {
	return int(float64(w.cfg.TokenBudget) * w.cfg.CompactionRatio)
}

func (w *ContextWindow) observationLimit() int {
	return int(float64(w.cfg.TokenBudget) * w.cfg.ObservationShare)
}

// Estimate 返回指令、历史与观察的合计 token 数。
func (w *ContextWindow) Estimate(instructions string, history *History, observation string) int {
	return w.counter.Count(instructions) + w.counter.Count(history.Render()) + w.counter.Count(observation)
}

// Prepare 在规划调用前执行：先限制观察的份额，再在合计超过阈值时压缩历史。
// 返回适配后的观察文本。只有 ctx 被取消时才返回错误。
func (w *ContextWindow) Prepare(ctx context.Context, task Task, history *History, obs Observation) (string, error) {
	observation, _ := w.FitObservation(obs)
	cost := w.Estimate(instructionsFor(task.Mode), history, observation)
	if cost <= w.compactionThreshold() {
		return observation, nil
	}
	w.logger.Info("上下文超出压缩阈值",
		slog.String("task_id", task.ID),
		slog.Int("tokens", cost),
		slog.Int("threshold", w.compactionThreshold()))
	if _, err := w.Compact(ctx, task, history); err != nil {
		return "", err
	}
	return observation, nil
}

// Compact 通过一次摘要调用把整个历史替换为单个 Summary。
// 历史为空或已经只剩一个 Summary 时不做任何事。摘要调用失败时退化为本地摘要。
func (w *ContextWindow) Compact(ctx context.Context, task Task, history *History) (bool, error) {
	if history.IsMinimal() {
		return false, nil
	}
	covers := history.LastIteration()
	rendered := history.Render()

	source := "model"
	text, err := w.summarize(ctx, task, rendered)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		w.logger.Warn("摘要调用失败，使用本地摘要", slog.String("task_id", task.ID), slog.Any("error", err))
		source = "fallback"
		text = w.localDigest(history.Entries())
	}

	history.Replace(Summary{Text: text, CoversUpToIteration: covers})
	metrics.ObserveCompaction(source)
	w.record(ctx, task.ID, covers, text)
	return true, nil
}

func (w *ContextWindow) summarize(ctx context.Context, task Task, rendered string) (string, error) {
	if w.client == nil {
		return "", fmt.Errorf("未配置摘要客户端")
	}
	resp, err := w.client.Generate(ctx, llm.Request{
		Purpose: llm.PurposeSummarize,
		Messages: []llm.Message{
			llm.System(summarizerInstructions),
			llm.User(fmt.Sprintf("Goal:\n%s\n\nHistory:\n%s", task.Goal, rendered)),
		},
		MaxTokens: w.cfg.TokenBudget / 8,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("摘要结果为空")
	}
	return strings.TrimSpace(resp.Content), nil
}

// localDigest 为每一轮保留一行摘要。
func (w *ContextWindow) localDigest(entries []HistoryEntry) string {
	var b strings.Builder
	for _, entry := range entries {
		switch entry.Kind {
		case EntrySummary:
			if entry.Summary != nil {
				b.WriteString(entry.Summary.Text)
				b.WriteByte('\n')
			}
		default:
			if entry.Round == nil {
				continue
			}
			failed := 0
			for _, r := range entry.Round.Results {
				if !r.OK {
					failed++
				}
			}
			fmt.Fprintf(&b, "Iteration %d (%s): %s; %d tool calls, %d failed\n",
				entry.Round.Iteration, entry.Round.Outcome,
				strings.Join(entry.Round.Plan.ProposedActions, "; "),
				len(entry.Round.Results), failed)
		}
	}
	return w.counter.Truncate(strings.TrimSpace(b.String()), w.cfg.TokenBudget/8)
}

func (w *ContextWindow) record(ctx context.Context, taskID string, iteration int, text string) {
	if w.audit == nil || taskID == "" {
		return
	}
	record := &mysql.AuditRecord{
		TaskID:    taskID,
		Iteration: iteration,
		Kind:      mysql.AuditSummary,
		Content:   text,
		CreatedAt: time.Now().Unix(),
	}
	if err := w.audit.Append(context.WithoutCancel(ctx), record); err != nil {
		w.logger.Warn("写入摘要审计失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// FitObservation 把观察限制在其预算份额内：先丢弃焦点外的片段，
// 仍超出时按比例截断剩余片段并附加截断提示。第二个返回值报告是否截断。
func (w *ContextWindow) FitObservation(obs Observation) (string, bool) {
	limit := w.observationLimit()
	text := obs.Render()
	if w.counter.Count(text) <= limit {
		return text, false
	}

	focused := make([]ObservationSection, 0, len(obs.Sections))
	for _, s := range obs.Sections {
		if !s.OutsideFocus {
			focused = append(focused, s)
		}
	}
	text = Observation{Sections: focused}.Render()
	if w.counter.Count(text) <= limit {
		return text, false
	}

	marker := fmt.Sprintf(truncationMarker, w.cfg.LookupToolName)
	available := limit - w.counter.Count(marker)
	total := 0
	sizes := make([]int, len(focused))
	for i, s := range focused {
		sizes[i] = w.counter.Count(s.Text)
		total += sizes[i]
		if s.Title != "" {
			available -= w.counter.Count("### "+s.Title) + 2
		}
	}
	if available <= 0 || total == 0 {
		return marker, true
	}

	truncated := make([]ObservationSection, 0, len(focused))
	for i, s := range focused {
		share := available * sizes[i] / total
		s.Text = w.counter.Truncate(s.Text, share)
		truncated = append(truncated, s)
	}
	rendered := Observation{Sections: truncated}.Render()
	if rendered == "" {
		return marker, true
	}
	return rendered + "\n\n" + marker, true
}
