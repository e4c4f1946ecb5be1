package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry 管理可调度的工具，并把所有调度期错误收敛为结构化结果。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建工具注册表，可以同时注册初始工具。
func NewRegistry(initial ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, tool := range initial {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 添加工具，重名时返回错误。
func (r *Registry) Register(tool Tool) error {
	if tool == nil || strings.TrimSpace(tool.Name()) == "" {
		return fmt.Errorf("工具名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("工具已注册: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names 返回按字母序排列的工具名。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe 生成提供给推理服务的工具清单。
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, name := range r.Names() {
		tool, _ := r.Get(name)
		fmt.Fprintf(&b, "- %s: %s\n", name, tool.Description())
	}
	return strings.TrimRight(b.String(), "\n")
}

// Dispatch 调用指定工具。未知工具、返回错误或发生 panic 都会得到 OK=false 的结果，
// 不会向调用方返回 error。
func (r *Registry) Dispatch(ctx context.Context, callID, name string, args map[string]any) (result Result) {
	result = Result{CallID: callID, ToolName: name}

	tool, ok := r.Get(name)
	if !ok {
		result.Error = fmt.Sprintf("unknown tool %q", name)
		return result
	}
	if err := ctx.Err(); err != nil {
		result.Error = "cancelled"
		return result
	}

	defer func() {
		if rec := recover(); rec != nil {
			result.OK = false
			result.Payload = nil
			result.Error = fmt.Sprintf("tool panicked: %v", rec)
		}
	}()

	if args == nil {
		args = map[string]any{}
	}
	payload, err := tool.Execute(ctx, args)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.OK = true
	result.Payload = payload
	return result
}
