package agent

import (
	"context"
	"sync"

	xerrors "OpenMCP-Agent/internal/errors"
)

// Factory 为每个任务创建独立的策略实例，运行状态不会在任务间共享。
type Factory func() Strategy

// Router 按任务模式选择执行策略。
type Router struct {
	mu        sync.RWMutex
	factories map[Mode]Factory
}

// NewRouter 创建路由器。
func NewRouter() *Router {
	return &Router{factories: make(map[Mode]Factory)}
}

// Handle 注册模式对应的策略工厂。
func (r *Router) Handle(mode Mode, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[mode] = factory
}

// Supports 报告模式是否已注册。
func (r *Router) Supports(mode Mode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[mode]
	return ok
}

// Run 实现 Strategy 接口。
func (r *Router) Run(ctx context.Context, task Task) (*Outcome, error) {
	if task.Mode == "" {
		task.Mode = ModeDynamic
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	factory, ok := r.factories[task.Mode]
	r.mu.RUnlock()
	if !ok || factory == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置执行模式: "+string(task.Mode))
	}
	return factory().Run(ctx, task)
}
