package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/llm"
	"OpenMCP-Agent/internal/observability/metrics"
	"OpenMCP-Agent/internal/plan"
	"OpenMCP-Agent/internal/storage/mysql"
	"OpenMCP-Agent/pkg/logger"
)

// PlanRequest 汇总一次规划调用所需的上下文。
type PlanRequest struct {
	Task        Task
	Iteration   int
	History     string
	Observation string
	Metrics     ExecutionMetrics
	Todo        string
	Corrections []string
}

// Planner 通过一次推理服务往返生成 Plan。
type Planner struct {
	client llm.Client
	audit  mysql.AuditRepository
	logger *slog.Logger
}

// NewPlanner 创建规划器，audit 可以为空。
func NewPlanner(client llm.Client, audit mysql.AuditRepository) *Planner {
	return &Planner{client: client, audit: audit, logger: logger.Named("planner")}
}

// Generate 请求推理服务并解析计划。只有调用本身失败或返回为空时才返回
// 可重试的 PLANNING_FAILURE，格式问题一律由解析器按默认值吸收。
func (p *Planner) Generate(ctx context.Context, req PlanRequest) (plan.Plan, error) {
	if p.client == nil {
		return plan.Plan{}, xerrors.New(xerrors.CodePlanningFailure, "未配置规划客户端")
	}
	resp, err := p.client.Generate(ctx, llm.Request{
		Purpose:  llm.PurposePlan,
		Messages: p.messages(req),
		JSONMode: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return plan.Plan{}, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "规划被取消")
		}
		metrics.ObservePlannerCall("failed")
		return plan.Plan{}, xerrors.Wrap(xerrors.CodePlanningFailure, err, "规划调用失败", xerrors.WithRetryable(true))
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		metrics.ObservePlannerCall("empty")
		return plan.Plan{}, xerrors.New(xerrors.CodePlanningFailure, "规划结果为空", xerrors.WithRetryable(true))
	}
	metrics.ObservePlannerCall("ok")

	p.record(ctx, req, resp.Content)
	result := plan.Parse(resp.Content)
	p.logger.Debug("规划完成",
		slog.String("task_id", req.Task.ID),
		slog.Int("iteration", req.Iteration),
		slog.Int("actions", len(result.ProposedActions)),
		slog.Bool("complete", result.TaskComplete))
	return result, nil
}

func (p *Planner) messages(req PlanRequest) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\nIteration: %d\nMetrics: %s\n", req.Task.Goal, req.Iteration, renderMetrics(req.Metrics))
	if req.Todo != "" {
		fmt.Fprintf(&b, "\nTODO:\n%s\n", req.Todo)
	}

	msgs := []llm.Message{llm.System(instructionsFor(req.Task.Mode)), llm.User(b.String())}
	if req.History != "" {
		msgs = append(msgs, llm.User("History:\n"+req.History))
	}
	if req.Observation != "" {
		msgs = append(msgs, llm.User("Current observation:\n"+req.Observation))
	}
	for _, correction := range req.Corrections {
		msgs = append(msgs, llm.System(correction))
	}
	return msgs
}

// record 在返回之前写入审计，即便调用方随后失败也保留记录。
func (p *Planner) record(ctx context.Context, req PlanRequest, content string) {
	if p.audit == nil || req.Task.ID == "" {
		return
	}
	record := &mysql.AuditRecord{
		TaskID:    req.Task.ID,
		Iteration: req.Iteration,
		Kind:      mysql.AuditPlan,
		Content:   content,
		CreatedAt: time.Now().Unix(),
	}
	if err := p.audit.Append(context.WithoutCancel(ctx), record); err != nil {
		p.logger.Warn("写入规划审计失败", slog.String("task_id", req.Task.ID), slog.Any("error", err))
	}
}
