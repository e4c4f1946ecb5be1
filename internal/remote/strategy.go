package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenMCP-Agent/internal/agent"
	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/notify"
	"OpenMCP-Agent/internal/observability/metrics"
	"OpenMCP-Agent/pkg/logger"
)

// Strategy 把 Channel 适配为 agent.Strategy，用于 mode=remote 的任务。
// 同一个 Strategy 可以被多个任务顺序复用，会话随之复用。
type Strategy struct {
	channel *Channel
	sink    notify.Sink
	env     agent.Environment
	logger  *slog.Logger
}

// StrategyOption 配置 Strategy。
type StrategyOption func(*Strategy)

// WithSink 设置通知下游。
func WithSink(sink notify.Sink) StrategyOption {
	return func(s *Strategy) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithEnvironment 设置环境，消息中会附带当前环境摘要。
func WithEnvironment(env agent.Environment) StrategyOption {
	return func(s *Strategy) { s.env = env }
}

// WithStrategyLogger 设置日志记录器。
func WithStrategyLogger(l *slog.Logger) StrategyOption {
	return func(s *Strategy) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStrategy 创建远程执行策略。
func NewStrategy(channel *Channel, opts ...StrategyOption) *Strategy {
	s := &Strategy{
		channel: channel,
		sink:    notify.Discard,
		logger:  logger.Named("remote_strategy"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 实现 agent.Strategy 接口。通道失效时先断开再重连，
// 连接或会话失败不会在这里重试。
func (s *Strategy) Run(ctx context.Context, task agent.Task) (*agent.Outcome, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	ctx = logger.WithTask(ctx, task.ID)
	log := logger.FromContext(ctx, s.logger)
	stream := notify.NewStream(notify.NewSanitizingSink(s.sink), task.ID)
	out := &agent.Outcome{TaskID: task.ID, Metrics: agent.ExecutionMetrics{StartTime: time.Now()}}

	stop := metrics.TaskStarted()
	defer stop()

	if !s.channel.Usable() {
		if s.channel.Session().State != StateDisconnected {
			_ = s.channel.Disconnect()
		}
		if err := s.channel.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return s.finish(ctx, stream, task, out, agent.StateAborted, "", "cancelled", nil), nil
			}
			return s.finish(ctx, stream, task, out, agent.StateFailed, "", "connect_failure", err), err
		}
	}

	message := s.compose(ctx, task)
	out.Metrics.Observations++
	log.Info("委托任务到远程会话", slog.String("session_id", s.channel.Session().ID))

	res, err := s.channel.Send(ctx, message, stream)
	switch {
	case err != nil:
		reason := "protocol_failure"
		if xerrors.CodeOf(err) == xerrors.CodeTimeout {
			reason = "liveness_timeout"
		}
		return s.finish(ctx, stream, task, out, agent.StateFailed, "", reason, err), err
	case res.Aborted:
		return s.finish(ctx, stream, task, out, agent.StateAborted, "", "cancelled", nil), nil
	default:
		out.Iterations = 1
		return s.finish(ctx, stream, task, out, agent.StateDone, res.Answer, "", nil), nil
	}
}

// compose 把目标、预定义步骤与环境摘要拼成一条消息。
func (s *Strategy) compose(ctx context.Context, task agent.Task) string {
	var b strings.Builder
	b.WriteString(task.Goal)
	if len(task.PredefinedSteps) > 0 {
		b.WriteString("\n\nFollow these steps:\n")
		for i, step := range task.PredefinedSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(step))
		}
	}
	if s.env != nil {
		obs, err := s.env.Observe(ctx)
		if err != nil {
			s.logger.Warn("获取环境摘要失败", slog.Any("error", err))
		} else if summary := obs.Render(); summary != "" {
			b.WriteString("\n\nCurrent environment:\n")
			b.WriteString(summary)
		}
	}
	return strings.TrimSpace(b.String())
}

func (s *Strategy) finish(ctx context.Context, stream *notify.Stream, task agent.Task, out *agent.Outcome, state agent.State, answer, reason string, err error) *agent.Outcome {
	ctx = context.WithoutCancel(ctx)
	out.State = state
	out.FinalAnswer = answer
	out.Reason = reason
	out.Metrics.EndTime = time.Now()
	switch state {
	case agent.StateDone:
		_ = stream.Finish(ctx, notify.KindCompletion, answer)
	case agent.StateAborted:
		out.ErrorCode = xerrors.CodeCancelled
		_ = stream.Finish(ctx, notify.KindCancelled, "任务已取消")
	default:
		out.ErrorCode = xerrors.CodeOf(err)
		message := reason
		if err != nil {
			message = err.Error()
		}
		if task.FinalFailure(err) {
			_ = stream.Finish(ctx, notify.KindFailure, message)
		} else {
			_ = stream.Emit(ctx, notify.KindStatus, task.RetryNotice(message))
		}
	}
	metrics.ObserveTaskOutcome(string(state))
	return out
}
