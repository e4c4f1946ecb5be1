package task

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "OpenMCP-Agent/internal/errors"
)

// Dispatch 是投递到队列中的消息体。
type Dispatch struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

func encodeDispatch(d Dispatch) ([]byte, error) {
	if strings.TrimSpace(d.TaskID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "投递消息缺少 task_id")
	}
	return json.Marshal(d)
}

// decodeDispatch 兼容旧格式：纯文本消息整体视为任务 ID。
func decodeDispatch(body []byte) (Dispatch, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return Dispatch{}, xerrors.New(xerrors.CodeInvalidArgument, "投递消息为空")
	}
	if !strings.HasPrefix(text, "{") {
		return Dispatch{TaskID: text}, nil
	}
	var d Dispatch
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return Dispatch{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析投递消息失败")
	}
	if strings.TrimSpace(d.TaskID) == "" {
		return Dispatch{}, xerrors.New(xerrors.CodeInvalidArgument, "投递消息缺少 task_id")
	}
	return d, nil
}

// Handler 处理来自消息队列的投递。返回错误表示消息应当重新投递。
type Handler func(ctx context.Context, dispatch Dispatch) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, dispatch Dispatch) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
