package escalation

import (
	"context"
	"strings"
	"time"

	xerrors "OpenMCP-Agent/internal/errors"
)

// Action 是人工介入的处理结果。
type Action string

const (
	ActionDone    Action = "done"
	ActionAbort   Action = "abort"
	ActionTimeout Action = "timeout"
)

// Request 是一次等待人工决策的请求。
type Request struct {
	CorrelationID string    `json:"correlation_id"`
	TaskID        string    `json:"task_id"`
	Prompt        string    `json:"prompt"`
	CreatedAt     time.Time `json:"created_at"`
}

// Response 是外部系统提交的决策，通过 RequestID 匹配请求。
type Response struct {
	RequestID string `json:"requestId"`
	Action    Action `json:"action"`
}

// Validate 只接受 done 与 abort，timeout 由等待方自行判定。
func (r Response) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "requestId 不能为空")
	}
	switch r.Action {
	case ActionDone, ActionAbort:
		return nil
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "action 只能是 done 或 abort")
	}
}

// Store 保存待处理的请求及其决策。
type Store interface {
	// Publish 登记一个待处理请求。
	Publish(ctx context.Context, req Request) error
	// Poll 返回请求的决策，尚未决策时 resolved 为 false。
	Poll(ctx context.Context, correlationID string) (action Action, resolved bool, err error)
	// Resolve 提交决策。请求不存在返回 NOT_FOUND，已被决策返回 CONFLICT。
	Resolve(ctx context.Context, resp Response) error
	// Clear 删除请求，之后的 Resolve 都会返回 NOT_FOUND。
	Clear(ctx context.Context, correlationID string) error
}

// Lister 由能够列出待处理请求的存储实现。
type Lister interface {
	Pending(ctx context.Context) ([]Request, error)
}

func errNotFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, "人工介入请求不存在或已过期", xerrors.WithMetadata("request_id", id))
}

func errResolved(id string) error {
	return xerrors.New(xerrors.CodeConflict, "人工介入请求已被处理", xerrors.WithMetadata("request_id", id))
}
