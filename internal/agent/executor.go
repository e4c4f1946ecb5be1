package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Agent/internal/llm"
	"OpenMCP-Agent/internal/notify"
	"OpenMCP-Agent/internal/observability/metrics"
	"OpenMCP-Agent/internal/plan"
	"OpenMCP-Agent/internal/tools"
	"OpenMCP-Agent/pkg/logger"
)

// DefaultMaxExecutorIterations 是执行器每次调用的最大轮数。
const DefaultMaxExecutorIterations = 3

// ExecRequest 是一次执行器调用的输入。
type ExecRequest struct {
	Task        Task
	Iteration   int
	Actions     []string
	Observation string
	Stream      *notify.Stream
}

// ExecResult 汇总执行器各轮的结果。
type ExecResult struct {
	Results       []tools.Result
	Rounds        int
	Done          bool
	Answer        string
	RequiresHuman bool
	HumanPrompt   string
	// Stalled 表示整次调用没有产生任何工具调用。
	Stalled bool
	Aborted bool
}

// Completed 报告执行器是否给出了明确的终止信号。
func (r ExecResult) Completed() bool {
	return r.Done || r.RequiresHuman
}

// Executor 借助第二个推理端点把动作翻译成工具调用并依次调度。
type Executor struct {
	client        llm.Client
	registry      *tools.Registry
	maxIterations int
	logger        *slog.Logger
}

// NewExecutor 创建执行器，maxIterations 非正时使用默认值。
func NewExecutor(client llm.Client, registry *tools.Registry, maxIterations int) *Executor {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxExecutorIterations
	}
	return &Executor{
		client:        client,
		registry:      registry,
		maxIterations: maxIterations,
		logger:        logger.Named("executor"),
	}
}

// Execute 运行至多 maxIterations 轮。推理端点失败时返回已收集的结果与错误，
// 工具调度失败只体现在对应的 Result 中。
func (e *Executor) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	var out ExecResult
	if e.client == nil || e.registry == nil {
		return out, fmt.Errorf("执行器未配置")
	}
	log := logger.FromContext(ctx, e.logger)

	messages := []llm.Message{
		llm.System(fmt.Sprintf(executorInstructions, e.registry.Describe())),
		llm.User(e.firstRound(req)),
	}

	for round := 1; round <= e.maxIterations; round++ {
		if ctx.Err() != nil {
			out.Aborted = true
			return out, nil
		}
		resp, err := e.client.Generate(ctx, llm.Request{
			Purpose:  llm.PurposeExecute,
			Messages: messages,
			JSONMode: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				out.Aborted = true
				return out, nil
			}
			return out, err
		}
		out.Rounds = round

		content := ""
		if resp != nil {
			content = resp.Content
		}
		calls := plan.ParseToolCalls(content)
		if len(calls) == 0 {
			log.Debug("本轮没有工具调用", slog.Int("iteration", req.Iteration), slog.Int("round", round))
			break
		}

		results := e.dispatch(ctx, calls, req.Stream)
		out.Results = append(out.Results, results...)
		if ctx.Err() != nil {
			out.Aborted = true
			return out, nil
		}

		if answer, ok := doneSignal(results); ok {
			out.Done = true
			out.Answer = answer
			return out, nil
		}
		if prompt, ok := humanSignal(results); ok {
			out.RequiresHuman = true
			out.HumanPrompt = prompt
			return out, nil
		}

		messages = append(messages,
			llm.Assistant(content),
			llm.User(renderResults(results)+"\n\n"+executorFollowUp))
	}

	out.Stalled = len(out.Results) == 0
	return out, nil
}

func (e *Executor) firstRound(req ExecRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\nRequested actions:\n%s\n", req.Task.Goal, renderActions(req.Actions))
	if req.Observation != "" {
		fmt.Fprintf(&b, "\nCurrent observation:\n%s\n", req.Observation)
	}
	return b.String()
}

// dispatch 按发出顺序依次调度。取消信号到达后剩余调用不再执行，
// 但仍各自得到一个 cancelled 结果，保证调用数与结果数相等。
func (e *Executor) dispatch(ctx context.Context, calls []plan.ToolCall, stream *notify.Stream) []tools.Result {
	results := make([]tools.Result, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			results = append(results, tools.Result{CallID: call.ID, ToolName: call.Name, Error: "cancelled"})
			continue
		}
		emit(ctx, stream, notify.KindToolUse, fmt.Sprintf("%s %s", call.Name, describeArgs(call.Args)))
		result := e.registry.Dispatch(ctx, call.ID, call.Name, call.Args)
		metrics.ObserveToolCall(call.Name, result.OK)
		emit(ctx, stream, notify.KindToolResult, result.Text())
		results = append(results, result)
	}
	return results
}

func doneSignal(results []tools.Result) (string, bool) {
	for _, r := range results {
		if r.ToolName != tools.DoneToolName || !r.OK {
			continue
		}
		switch payload := r.Payload.(type) {
		case tools.DonePayload:
			return payload.Answer, true
		case *tools.DonePayload:
			if payload != nil {
				return payload.Answer, true
			}
		case string:
			return payload, true
		}
		return "", true
	}
	return "", false
}

func humanSignal(results []tools.Result) (string, bool) {
	for _, r := range results {
		if r.ToolName != tools.HumanInputToolName || !r.OK {
			continue
		}
		switch payload := r.Payload.(type) {
		case tools.HumanInputPayload:
			if payload.Required {
				return payload.Prompt, true
			}
		case *tools.HumanInputPayload:
			if payload != nil && payload.Required {
				return payload.Prompt, true
			}
		}
	}
	return "", false
}

func renderResults(results []tools.Result) string {
	var b strings.Builder
	b.WriteString("Tool results:\n")
	for _, r := range results {
		b.WriteString("- ")
		b.WriteString(r.Text())
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeArgs(args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil || len(args) == 0 {
		return "{}"
	}
	return string(encoded)
}

func emit(ctx context.Context, stream *notify.Stream, kind notify.Kind, content string) {
	if stream == nil {
		return
	}
	_ = stream.Emit(ctx, kind, content)
}
