package task

import (
	"context"

	xerrors "OpenMCP-Agent/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
//
// 终止状态不可再改写：MarkSucceeded 只对 running 的任务生效，MarkFailed 与
// MarkAborted 只对尚未终止的任务生效，否则返回 ErrTaskConflict。被取消的任务
// 因此不会被迟到的执行结果覆盖。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 在 terminal 为 false 时把任务放回 pending 等待重投。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	MarkAborted(ctx context.Context, id string, reason string) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
