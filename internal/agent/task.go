package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "OpenMCP-Agent/internal/errors"
)

// Mode 决定任务由哪种执行策略处理。
type Mode string

const (
	ModeDynamic    Mode = "dynamic"
	ModePredefined Mode = "predefined"
	ModeRemote     Mode = "remote"
)

// ParseMode 解析模式字符串，空字符串视为 dynamic。
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeDynamic:
		return ModeDynamic, nil
	case ModePredefined:
		return ModePredefined, nil
	case ModeRemote:
		return ModeRemote, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的执行模式: "+value)
	}
}

// Task 是编排器的输入。
type Task struct {
	ID              string   `json:"id"`
	Goal            string   `json:"goal"`
	Mode            Mode     `json:"mode"`
	PredefinedSteps []string `json:"predefined_steps,omitempty"`
	// Attempt 与 MaxAttempts 由任务队列填写，MaxAttempts 为 0 表示只执行一次。
	Attempt     int `json:"attempt,omitempty"`
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// FinalFailure 报告以 err 结束的这次尝试是否不会再被重试。
// 只有最后一次尝试发送失败终止通知，之前的尝试只发送 status 更新。
func (t Task) FinalFailure(err error) bool {
	if t.MaxAttempts <= 0 || t.Attempt >= t.MaxAttempts {
		return true
	}
	return !xerrors.RetryableError(err)
}

// RetryNotice 是非最后一次尝试失败时发送的 status 内容。
func (t Task) RetryNotice(message string) string {
	return fmt.Sprintf("第 %d/%d 次尝试失败，等待重试: %s", t.Attempt, t.MaxAttempts, message)
}

// Validate 检查任务是否可以执行。
func (t Task) Validate() error {
	if strings.TrimSpace(t.Goal) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务目标不能为空")
	}
	if t.Mode == ModePredefined && len(nonEmpty(t.PredefinedSteps)) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "预定义模式需要至少一个步骤")
	}
	if _, err := ParseMode(string(t.Mode)); err != nil {
		return err
	}
	return nil
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// State 是一次运行所处的阶段。
type State string

const (
	StatePlanning     State = "PLANNING"
	StateExecuting    State = "EXECUTING"
	StateWaitingHuman State = "WAITING_HUMAN"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
	StateAborted      State = "ABORTED"
)

// Terminal 报告是否为终止状态。
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateAborted
}

// ExecutionMetrics 记录单次运行的统计，每次 Run 开始时重置。
type ExecutionMetrics struct {
	ToolCalls    int       `json:"tool_calls"`
	Errors       int       `json:"errors"`
	Observations int       `json:"observations"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitempty"`
}

// Outcome 是一次运行的终止结果。
type Outcome struct {
	TaskID      string           `json:"task_id"`
	State       State            `json:"state"`
	FinalAnswer string           `json:"final_answer,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	ErrorCode   xerrors.Code     `json:"error_code,omitempty"`
	Iterations  int              `json:"iterations"`
	Todo        string           `json:"todo,omitempty"`
	Metrics     ExecutionMetrics `json:"metrics"`
	History     []HistoryEntry   `json:"history,omitempty"`
}

// Strategy 执行一个任务直到终止。FAILED 时同时返回带错误码的 error，
// 用户取消得到 ABORTED 且 error 为空。
type Strategy interface {
	Run(ctx context.Context, task Task) (*Outcome, error)
}

// StrategyFunc 允许使用普通函数实现 Strategy。
type StrategyFunc func(ctx context.Context, task Task) (*Outcome, error)

// Run 实现 Strategy 接口。
func (f StrategyFunc) Run(ctx context.Context, task Task) (*Outcome, error) { return f(ctx, task) }
