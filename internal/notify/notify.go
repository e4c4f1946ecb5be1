package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind 区分通知的类型。
type Kind string

const (
	KindThinking   Kind = "thinking"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindResponse   Kind = "response"
	KindStatus     Kind = "status"
	KindEscalation Kind = "escalation"
	KindInfo       Kind = "info"

	KindCompletion Kind = "completion"
	KindFailure    Kind = "failure"
	KindCancelled  Kind = "cancelled"
)

// Terminal 报告该类型是否为任务的终止通知。
func (k Kind) Terminal() bool {
	switch k {
	case KindCompletion, KindFailure, KindCancelled:
		return true
	default:
		return false
	}
}

// Update 是一条推送给下游的增量通知。同一 CorrelationID 的后续非终止更新
// 以替换语义覆盖之前的内容。
type Update struct {
	CorrelationID string    `json:"correlation_id"`
	Sequence      int       `json:"sequence"`
	Kind          Kind      `json:"kind"`
	Content       string    `json:"content"`
	Final         bool      `json:"final"`
	At            time.Time `json:"at"`
}

// Sink 接收通知。
type Sink interface {
	Publish(ctx context.Context, update Update) error
}

// SinkFunc 允许使用普通函数实现 Sink。
type SinkFunc func(ctx context.Context, update Update) error

// Publish 实现 Sink 接口。
func (f SinkFunc) Publish(ctx context.Context, update Update) error { return f(ctx, update) }

// Discard 丢弃所有通知。
var Discard Sink = SinkFunc(func(context.Context, Update) error { return nil })

// ErrFinished 表示流已经发送过终止通知。
var ErrFinished = errors.New("notify: stream already finished")

// Stream 把一个逻辑消息的增量更新绑定到稳定的 CorrelationID 上，
// 并保证最多只发送一次终止通知。
type Stream struct {
	mu       sync.Mutex
	sink     Sink
	id       string
	seq      int
	finished bool
	now      func() time.Time
}

// NewStream 创建通知流，sink 为空时使用 Discard。
func NewStream(sink Sink, correlationID string) *Stream {
	if sink == nil {
		sink = Discard
	}
	return &Stream{sink: sink, id: correlationID, now: time.Now}
}

// ID 返回流的关联 ID。
func (s *Stream) ID() string { return s.id }

// Emit 发送一条非终止更新。流结束后的更新会被丢弃。
func (s *Stream) Emit(ctx context.Context, kind Kind, content string) error {
	if kind.Terminal() {
		return s.Finish(ctx, kind, content)
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	update := s.nextLocked(kind, content, false)
	s.mu.Unlock()
	return s.sink.Publish(ctx, update)
}

// Finish 发送终止通知，重复调用返回 ErrFinished 且不会再次发送。
func (s *Stream) Finish(ctx context.Context, kind Kind, content string) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return ErrFinished
	}
	s.finished = true
	update := s.nextLocked(kind, content, true)
	s.mu.Unlock()
	return s.sink.Publish(ctx, update)
}

// Finished 报告终止通知是否已发送。
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *Stream) nextLocked(kind Kind, content string, final bool) Update {
	s.seq++
	return Update{
		CorrelationID: s.id,
		Sequence:      s.seq,
		Kind:          kind,
		Content:       content,
		Final:         final,
		At:            s.now(),
	}
}

// Fanout 把通知转发给多个下游，汇总所有错误。
type Fanout []Sink

// Publish 实现 Sink 接口。
func (f Fanout) Publish(ctx context.Context, update Update) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
