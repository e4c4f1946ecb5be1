package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/escalation"
	"OpenMCP-Agent/internal/llm"
	"OpenMCP-Agent/internal/notify"
	"OpenMCP-Agent/internal/observability/metrics"
	"OpenMCP-Agent/internal/plan"
	"OpenMCP-Agent/internal/storage/mysql"
	"OpenMCP-Agent/internal/tokenizer"
	"OpenMCP-Agent/internal/tools"
	"OpenMCP-Agent/pkg/logger"
)

// Limits 约束一次运行的循环次数。
type Limits struct {
	MaxPlannerIterations    int
	MaxPredefinedIterations int
	MaxExecutorIterations   int
	// MaxRetries 是整个任务内规划失败与执行停滞共享的失败预算。
	MaxRetries int
}

// DefaultLimits 返回默认限制。
func DefaultLimits() Limits {
	return Limits{
		MaxPlannerIterations:    50,
		MaxPredefinedIterations: 30,
		MaxExecutorIterations:   DefaultMaxExecutorIterations,
		MaxRetries:              3,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxPlannerIterations <= 0 {
		l.MaxPlannerIterations = def.MaxPlannerIterations
	}
	if l.MaxPredefinedIterations <= 0 {
		l.MaxPredefinedIterations = def.MaxPredefinedIterations
	}
	if l.MaxExecutorIterations <= 0 {
		l.MaxExecutorIterations = def.MaxExecutorIterations
	}
	if l.MaxRetries <= 0 {
		l.MaxRetries = def.MaxRetries
	}
	return l
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLimits 设置循环限制，零值字段使用默认值。
func WithLimits(l Limits) Option {
	return func(o *Orchestrator) { o.limits = l.withDefaults() }
}

// WithWindow 设置上下文预算。
func WithWindow(cfg WindowConfig) Option {
	return func(o *Orchestrator) { o.windowCfg = cfg }
}

// WithCounter 设置 token 计数器。
func WithCounter(c tokenizer.Counter) Option {
	return func(o *Orchestrator) { o.counter = c }
}

// WithEnvironment 设置观察来源。
func WithEnvironment(env Environment) Option {
	return func(o *Orchestrator) { o.env = env }
}

// WithGate 设置人工介入闸门，未设置时需要人工介入的任务直接中止。
func WithGate(g *escalation.Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithAuditLog 设置规划审计仓库。
func WithAuditLog(repo mysql.AuditRepository) Option {
	return func(o *Orchestrator) { o.audit = repo }
}

// WithSink 设置通知下游。
func WithSink(sink notify.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithExecutorClient 为执行器设置独立的推理端点。
func WithExecutorClient(c llm.Client) Option {
	return func(o *Orchestrator) { o.executorClient = c }
}

// Orchestrator 驱动规划、执行与观察循环直到任务终止。同一实例同一时刻只运行一个任务。
type Orchestrator struct {
	client         llm.Client
	executorClient llm.Client
	registry       *tools.Registry
	limits         Limits
	windowCfg      WindowConfig
	counter        tokenizer.Counter
	env            Environment
	gate           *escalation.Gate
	audit          mysql.AuditRepository
	sink           notify.Sink
	logger         *slog.Logger

	planner  *Planner
	executor *Executor
	window   *ContextWindow

	running atomic.Bool
}

// NewOrchestrator 创建编排器。registry 中应包含 done 与 require_human_input 两个标记工具。
func NewOrchestrator(client llm.Client, registry *tools.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:    client,
		registry:  registry,
		limits:    DefaultLimits(),
		windowCfg: DefaultWindowConfig(),
		sink:      notify.Discard,
		logger:    logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.executorClient == nil {
		o.executorClient = client
	}

	o.planner = NewPlanner(client, o.audit)
	o.planner.logger = o.logger.With(slog.String("stage", "plan"))
	o.executor = NewExecutor(o.executorClient, registry, o.limits.MaxExecutorIterations)
	o.executor.logger = o.logger.With(slog.String("stage", "execute"))
	o.window = NewContextWindow(client, o.counter, o.windowCfg)
	o.window.audit = o.audit
	o.window.logger = o.logger.With(slog.String("stage", "context"))
	return o
}

// Run 实现 Strategy 接口。
func (o *Orchestrator) Run(ctx context.Context, task Task) (*Outcome, error) {
	if task.Mode == "" {
		task.Mode = ModeDynamic
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, xerrors.New(xerrors.CodeConflict, "编排器已有任务在运行")
	}
	defer o.running.Store(false)

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	ctx = logger.WithTask(ctx, task.ID)
	r := o.newRun(task)
	r.log.Info("任务开始", slog.String("mode", string(task.Mode)), slog.String("goal", task.Goal))

	stop := metrics.TaskStarted()
	defer stop()

	outcome, err := r.loop(ctx)
	r.finish(ctx, outcome, err)
	return outcome, err
}

type run struct {
	o       *Orchestrator
	task    Task
	log     *slog.Logger
	stream  *notify.Stream
	history *History
	metrics ExecutionMetrics

	iteration int
	failures  int
	todo      string
	state     State

	mu          sync.Mutex
	corrections []string
}

func (o *Orchestrator) newRun(task Task) *run {
	r := &run{
		o:       o,
		task:    task,
		log:     o.logger.With(slog.String("task_id", task.ID)),
		history: NewHistory(),
		metrics: ExecutionMetrics{StartTime: time.Now()},
		state:   StatePlanning,
	}
	if task.Mode == ModePredefined {
		r.todo = plan.BuildTodo(task.PredefinedSteps)
	}
	sanitizer := notify.NewSanitizingSink(o.sink, notify.OnDetect(func(_ string, markers []string) {
		r.addCorrection(fmt.Sprintf(
			"Your previous output contained internal control markers (%s). Never include internal markers in user-visible text.",
			strings.Join(markers, ", ")))
	}))
	r.stream = notify.NewStream(sanitizer, task.ID)
	return r
}

func (r *run) maxIterations() int {
	if r.task.Mode == ModePredefined {
		return r.o.limits.MaxPredefinedIterations
	}
	return r.o.limits.MaxPlannerIterations
}

func (r *run) loop(ctx context.Context) (*Outcome, error) {
	for {
		if ctx.Err() != nil {
			return r.aborted("cancelled"), nil
		}
		if r.iteration >= r.maxIterations() {
			return r.failed(xerrors.New(xerrors.CodeIterationLimit,
				fmt.Sprintf("超过最大迭代次数 %d 仍未完成", r.maxIterations())), "iteration_limit")
		}
		next := r.iteration + 1
		r.state = StatePlanning

		observation, err := r.o.window.Prepare(ctx, r.task, r.history, r.observe(ctx))
		if err != nil {
			return r.aborted("cancelled"), nil
		}
		p, err := r.o.planner.Generate(ctx, PlanRequest{
			Task:        r.task,
			Iteration:   next,
			History:     r.history.Render(),
			Observation: observation,
			Metrics:     r.metrics,
			Todo:        r.todo,
			Corrections: r.takeCorrections(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return r.aborted("cancelled"), nil
			}
			r.metrics.Errors++
			r.failures++
			r.log.Warn("规划失败", slog.Int("failures", r.failures), slog.Any("error", err))
			if r.exhausted() {
				return r.failed(xerrors.Wrap(xerrors.CodePlanningFailure, err,
					fmt.Sprintf("规划连续失败 %d 次", r.failures)), "planning_failure")
			}
			continue
		}

		if p.Reasoning != "" {
			_ = r.stream.Emit(ctx, notify.KindThinking, p.Reasoning)
		}
		if r.task.Mode == ModePredefined && strings.TrimSpace(p.TodoMarkdown) != "" {
			r.todo = p.TodoMarkdown
		}

		if p.TaskComplete {
			r.iteration = next
			r.record(next, p, nil, RoundDone)
			return r.done(p.FinalAnswer), nil
		}

		if len(p.ProposedActions) == 0 {
			// 空计划也是一轮，推理内容要留给下一次规划。
			r.iteration = next
			r.record(next, p, nil, RoundStalled)
			r.metrics.Errors++
			r.failures++
			r.log.Warn("规划没有给出动作", slog.Int("failures", r.failures))
			if r.exhausted() {
				return r.failed(xerrors.New(xerrors.CodeExecutionStall, "规划连续未给出可执行动作"), "execution_stall")
			}
			r.addCorrection("Your previous plan proposed no actions and did not complete the task. Propose 1-5 concrete actions or set task_complete with a final_answer.")
			continue
		}

		r.iteration = next
		r.state = StateExecuting
		execObservation, _ := r.o.window.FitObservation(r.observe(ctx))
		res, execErr := r.o.executor.Execute(ctx, ExecRequest{
			Task:        r.task,
			Iteration:   next,
			Actions:     p.ProposedActions,
			Observation: execObservation,
			Stream:      r.stream,
		})
		r.countResults(res.Results)

		outcome := classifyRound(res, execErr)
		r.record(next, p, res.Results, outcome)

		switch {
		case res.Aborted || ctx.Err() != nil:
			return r.aborted("cancelled"), nil
		case res.Done:
			answer := res.Answer
			if answer == "" {
				answer = p.Reasoning
			}
			return r.done(answer), nil
		case res.RequiresHuman:
			final, resume, escErr := r.escalate(ctx, res.HumanPrompt)
			if !resume {
				return final, escErr
			}
		case execErr != nil:
			r.metrics.Errors++
			r.failures++
			r.log.Warn("执行器调用失败", slog.Int("failures", r.failures), slog.Any("error", execErr))
			if r.exhausted() {
				return r.failed(xerrors.Wrap(xerrors.CodeExecutionStall, execErr, "执行器调用失败"), "execution_stall")
			}
		case res.Stalled:
			r.failures++
			r.log.Warn("执行器没有产生工具调用", slog.Int("failures", r.failures))
			if r.exhausted() {
				return r.failed(xerrors.New(xerrors.CodeExecutionStall, "执行器连续未产生工具调用"), "execution_stall")
			}
			r.addCorrection("The previous actions produced no tool calls. Propose actions that map to the available tools.")
		}
	}
}

func classifyRound(res ExecResult, err error) RoundOutcome {
	switch {
	case res.Aborted:
		return RoundAborted
	case res.Done:
		return RoundDone
	case res.RequiresHuman:
		return RoundEscalated
	case err != nil, res.Stalled:
		return RoundStalled
	default:
		return RoundContinued
	}
}

// escalate 等待人工决策，resume 为 true 表示回到规划阶段。
func (r *run) escalate(ctx context.Context, prompt string) (*Outcome, bool, error) {
	r.state = StateWaitingHuman
	if r.o.gate == nil {
		r.log.Warn("未配置人工介入闸门，任务中止")
		return r.aborted("escalation_unavailable"), false, nil
	}
	req, action, err := r.o.gate.Await(ctx, r.task.ID, prompt, r.stream)
	if err != nil {
		outcome, ferr := r.failed(err, "escalation_failure")
		return outcome, false, ferr
	}
	r.audit(ctx, mysql.AuditEscalate, fmt.Sprintf(`{"request_id":%q,"action":%q}`, req.CorrelationID, action))
	switch action {
	case escalation.ActionDone:
		r.addCorrection(fmt.Sprintf("A human resolved the escalation %s. Re-check the current state and continue with the goal.", req.CorrelationID))
		return nil, true, nil
	case escalation.ActionTimeout:
		outcome, ferr := r.failed(xerrors.New(xerrors.CodeHumanTimeout, "等待人工决策超时"), "human_timeout")
		return outcome, false, ferr
	default:
		if ctx.Err() != nil {
			return r.aborted("cancelled"), false, nil
		}
		return r.aborted("escalation_abort"), false, nil
	}
}

func (r *run) exhausted() bool {
	return r.failures >= r.o.limits.MaxRetries
}

func (r *run) observe(ctx context.Context) Observation {
	if r.o.env == nil {
		return Observation{}
	}
	obs, err := r.o.env.Observe(ctx)
	if err != nil {
		r.log.Warn("获取环境观察失败", slog.Any("error", err))
		return TextObservation("Observation unavailable: " + err.Error())
	}
	r.metrics.Observations++
	return obs
}

func (r *run) countResults(results []tools.Result) {
	r.metrics.ToolCalls += len(results)
	for _, res := range results {
		if !res.OK {
			r.metrics.Errors++
		}
	}
}

func (r *run) record(iteration int, p plan.Plan, results []tools.Result, outcome RoundOutcome) {
	kind := EntryPlan
	if r.task.Mode == ModePredefined {
		kind = EntryPredefinedPlan
	}
	if results == nil {
		results = []tools.Result{}
	}
	entry := RoundEntry(kind, Round{Iteration: iteration, Plan: p, Results: results, Outcome: outcome})
	if err := r.history.Append(entry); err != nil {
		r.log.Error("追加历史失败", slog.Any("error", err))
	}
}

func (r *run) addCorrection(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corrections = append(r.corrections, text)
}

func (r *run) takeCorrections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.corrections
	r.corrections = nil
	return out
}

func (r *run) outcome(state State) *Outcome {
	r.state = state
	r.metrics.EndTime = time.Now()
	return &Outcome{
		TaskID:     r.task.ID,
		State:      state,
		Iterations: r.iteration,
		Todo:       r.todo,
		Metrics:    r.metrics,
		History:    r.history.Entries(),
	}
}

func (r *run) done(answer string) *Outcome {
	out := r.outcome(StateDone)
	out.FinalAnswer = answer
	return out
}

func (r *run) aborted(reason string) *Outcome {
	out := r.outcome(StateAborted)
	out.Reason = reason
	out.ErrorCode = xerrors.CodeCancelled
	return out
}

func (r *run) failed(err error, reason string) (*Outcome, error) {
	out := r.outcome(StateFailed)
	out.Reason = reason
	out.ErrorCode = xerrors.CodeOf(err)
	return out, err
}

// finish 发送唯一的终止通知并写入审计。
func (r *run) finish(ctx context.Context, out *Outcome, err error) {
	ctx = context.WithoutCancel(ctx)
	if out == nil {
		return
	}
	switch out.State {
	case StateDone:
		_ = r.stream.Finish(ctx, notify.KindCompletion, out.FinalAnswer)
		r.log.Info("任务完成", slog.Int("iterations", out.Iterations))
	case StateAborted:
		_ = r.stream.Finish(ctx, notify.KindCancelled, "任务已取消: "+out.Reason)
		r.log.Info("任务已取消", slog.String("reason", out.Reason))
	default:
		message := out.Reason
		if err != nil {
			message = err.Error()
		}
		if r.task.FinalFailure(err) {
			_ = r.stream.Finish(ctx, notify.KindFailure, message)
			r.log.Warn("任务失败", slog.String("reason", out.Reason), slog.String("code", string(out.ErrorCode)))
		} else {
			_ = r.stream.Emit(ctx, notify.KindStatus, r.task.RetryNotice(message))
			r.log.Warn("本次尝试失败，等待重试", slog.String("reason", out.Reason), slog.Int("attempt", r.task.Attempt))
		}
	}
	metrics.ObserveTaskOutcome(string(out.State))

	payload, _ := json.Marshal(map[string]any{
		"state":        out.State,
		"reason":       out.Reason,
		"final_answer": out.FinalAnswer,
		"iterations":   out.Iterations,
	})
	r.audit(ctx, mysql.AuditOutcome, string(payload))
}

func (r *run) audit(ctx context.Context, kind mysql.AuditKind, content string) {
	if r.o.audit == nil {
		return
	}
	record := &mysql.AuditRecord{
		TaskID:    r.task.ID,
		Iteration: r.iteration,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().Unix(),
	}
	if err := r.o.audit.Append(context.WithoutCancel(ctx), record); err != nil {
		r.log.Warn("写入审计失败", slog.Any("error", err))
	}
}
