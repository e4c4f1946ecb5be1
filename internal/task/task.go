package task

import (
	stdErrors "errors"
	"strings"

	"OpenMCP-Agent/internal/agent"
	xerrors "OpenMCP-Agent/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal 报告状态是否不会再发生变化。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// ExecutionResult 保存一次运行的终止结果。
type ExecutionResult struct {
	State       string `json:"state"`
	FinalAnswer string `json:"final_answer,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Iterations  int    `json:"iterations"`
	Todo        string `json:"todo,omitempty"`
}

// Empty 报告结果是否没有任何内容。
func (r ExecutionResult) Empty() bool {
	return r.State == "" && r.FinalAnswer == "" && r.Reason == "" && r.Iterations == 0 && r.Todo == ""
}

func resultFromOutcome(outcome *agent.Outcome) ExecutionResult {
	if outcome == nil {
		return ExecutionResult{}
	}
	return ExecutionResult{
		State:       string(outcome.State),
		FinalAnswer: outcome.FinalAnswer,
		Reason:      outcome.Reason,
		Iterations:  outcome.Iterations,
		Todo:        outcome.Todo,
	}
}

// Task 描述了排队执行的智能体任务。
type Task struct {
	ID         string           `json:"id"`
	Goal       string           `json:"goal"`
	Mode       agent.Mode       `json:"mode"`
	Steps      []string         `json:"steps,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// AgentTask 转换为编排层的任务描述。
func (t *Task) AgentTask() agent.Task {
	return agent.Task{
		ID:              t.ID,
		Goal:            t.Goal,
		Mode:            t.Mode,
		PredefinedSteps: append([]string(nil), t.Steps...),
		Attempt:         t.Attempts,
		MaxAttempts:     t.MaxRetries,
	}
}

// SubmitRequest 是创建任务的入参。
type SubmitRequest struct {
	ID       string         `json:"id,omitempty"`
	Goal     string         `json:"goal"`
	Mode     string         `json:"mode,omitempty"`
	Steps    []string       `json:"steps,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (r SubmitRequest) normalize() (agent.Task, error) {
	mode, err := agent.ParseMode(r.Mode)
	if err != nil {
		return agent.Task{}, xerrors.Wrap(CodeTaskValidation, err, "任务参数校验失败")
	}
	steps := make([]string, 0, len(r.Steps))
	for _, step := range r.Steps {
		if s := strings.TrimSpace(step); s != "" {
			steps = append(steps, s)
		}
	}
	t := agent.Task{
		ID:              strings.TrimSpace(r.ID),
		Goal:            strings.TrimSpace(r.Goal),
		Mode:            mode,
		PredefinedSteps: steps,
	}
	if err := t.Validate(); err != nil {
		return agent.Task{}, xerrors.Wrap(CodeTaskValidation, err, "任务参数校验失败")
	}
	return t, nil
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经处于终止状态。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// IsTaskError 判断错误是否为统一任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return target == CodeTaskNotFound
	case stdErrors.Is(err, ErrTaskConflict):
		return target == CodeTaskConflict
	case stdErrors.Is(err, ErrTaskCompleted):
		return target == CodeTaskCompleted
	case stdErrors.Is(err, ErrTaskExhausted):
		return target == CodeTaskExhausted
	}
	return xerrors.HasCode(err, target)
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		resultCopy := *task.Result
		clone.Result = &resultCopy
	}
	clone.Steps = append([]string(nil), task.Steps...)
	clone.Metadata = cloneMetadata(task.Metadata)
	return &clone
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}
