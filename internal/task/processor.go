package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"OpenMCP-Agent/internal/agent"
	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/observability/metrics"
	"OpenMCP-Agent/pkg/logger"
)

// Processor 负责从队列消费任务并交给执行策略运行。
type Processor struct {
	strategy    agent.Strategy
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger

	mu      sync.Mutex
	running map[string]*inflight
}

type inflight struct {
	cancel    context.CancelFunc
	requested bool
	reason    string
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。strategy 通常是按模式分发的 agent.Router。
func NewProcessor(strategy agent.Strategy, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		strategy:    strategy,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		running:     make(map[string]*inflight),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Named("task-processor")
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Cancel 取消本进程内正在执行的任务，返回任务是否在运行。
func (p *Processor) Cancel(taskID, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.running[taskID]
	if !ok {
		return false
	}
	entry.requested = true
	if reason != "" {
		entry.reason = reason
	}
	entry.cancel()
	return true
}

// Running 返回当前正在执行的任务数量。
func (p *Processor) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Processor) track(ctx context.Context, taskID string) (context.Context, func() *inflight) {
	runCtx, cancel := context.WithCancel(ctx)
	entry := &inflight{cancel: cancel, reason: "用户取消"}
	p.mu.Lock()
	p.running[taskID] = entry
	p.mu.Unlock()
	return runCtx, func() *inflight {
		p.mu.Lock()
		delete(p.running, taskID)
		p.mu.Unlock()
		cancel()
		return entry
	}
}

func (p *Processor) handle(ctx context.Context, dispatch Dispatch) error {
	if p.store == nil || p.strategy == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, dispatch.TaskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			metrics.ObserveTaskDispatch("skipped")
			p.logger.Debug("跳过任务", slog.String("task_id", dispatch.TaskID), slog.String("reason", err.Error()))
			return nil
		}
		metrics.ObserveTaskDispatch("claim_error")
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", dispatch.TaskID))
		return err
	}
	metrics.ObserveTaskDispatch("claimed")

	runCtx, release := p.track(logger.WithTask(ctx, task.ID), task.ID)
	outcome, runErr := p.strategy.Run(runCtx, task.AgentTask())
	entry := release()

	// 结果写入不受取消影响。
	writeCtx := context.WithoutCancel(ctx)
	switch {
	case outcome != nil && outcome.State == agent.StateDone:
		return p.recordSuccess(writeCtx, task, outcome)
	case entry.requested:
		return p.recordAbort(writeCtx, task, entry.reason)
	case outcome != nil && outcome.State == agent.StateAborted, runErr != nil && xerrors.IsCancellation(runErr):
		reason := "任务中断"
		if ctx.Err() != nil {
			reason = "服务停止"
		}
		return p.recordAbort(writeCtx, task, reason)
	default:
		if runErr == nil {
			runErr = xerrors.New(CodeTaskProcessing, fmt.Sprintf("执行策略返回了非终止结果: %v", outcomeState(outcome)))
		}
		return p.recordFailure(writeCtx, task, outcome, runErr)
	}
}

func outcomeState(outcome *agent.Outcome) agent.State {
	if outcome == nil {
		return ""
	}
	return outcome.State
}

func (p *Processor) recordSuccess(ctx context.Context, task *Task, outcome *agent.Outcome) error {
	result := resultFromOutcome(outcome)
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Warn("任务状态已变化，丢弃执行结果", slog.String("task_id", task.ID))
			return nil
		}
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("goal", task.Goal),
		slog.String("mode", string(task.Mode)),
		slog.Int("iterations", result.Iterations),
	)
	return nil
}

func (p *Processor) recordAbort(ctx context.Context, task *Task, reason string) error {
	if err := p.store.MarkAborted(ctx, task.ID, reason); err != nil && !stdErrors.Is(err, ErrTaskConflict) {
		p.logger.Error("标记任务取消状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Info("任务已取消",
		slog.String("task_id", task.ID),
		slog.String("goal", task.Goal),
		slog.String("reason", reason),
	)
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, task *Task, outcome *agent.Outcome, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	// 与执行策略使用同一判定，保证只有最后一次尝试发出终止通知。
	terminal := task.AgentTask().FinalFailure(execErr)

	if err := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Warn("任务状态已变化，丢弃失败结果", slog.String("task_id", task.ID))
			return nil
		}
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("goal", task.Goal),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("iterations", resultFromOutcome(outcome).Iterations),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal || p.producer == nil {
		return nil
	}
	if err := p.producer.Publish(ctx, Dispatch{TaskID: task.ID, Attempt: task.Attempts + 1}); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	metrics.ObserveTaskDispatch("requeued")
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}
