package task

import (
	"context"
	"sync"

	xerrors "OpenMCP-Agent/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，用于单进程运行与测试。
type MemoryQueue struct {
	ch     chan Dispatch
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Dispatch, size)}
}

// Publish 将任务投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, dispatch Dispatch) error {
	if _, err := encodeDispatch(dispatch); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- dispatch:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case dispatch, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, dispatch); err != nil && ctx.Err() == nil {
						// 处理失败时重新投递。
						_ = q.Publish(ctx, dispatch)
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
