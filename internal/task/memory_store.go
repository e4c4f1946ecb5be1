package task

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"OpenMCP-Agent/internal/agent"
	xerrors "OpenMCP-Agent/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，用于单进程运行与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 将任务状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return cloneTask(task), ErrTaskCompleted
	case StatusRunning:
		return cloneTask(task), ErrTaskConflict
	}
	if task.Attempts >= task.MaxRetries {
		return cloneTask(task), ErrTaskExhausted
	}
	task.Status = StatusRunning
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, err := m.running(id)
	if err != nil {
		return err
	}
	task.Status = StatusSucceeded
	task.Result = &result
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记任务失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return ErrTaskConflict
	}
	task.Status = StatusPending
	if terminal {
		task.Status = StatusFailed
	}
	task.LastError = lastError
	task.ErrorCode = string(code)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkAborted 将 pending 或 running 的任务标记为已取消。
func (m *MemoryStore) MarkAborted(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return ErrTaskConflict
	}
	task.Status = StatusAborted
	task.LastError = reason
	task.ErrorCode = string(xerrors.CodeCancelled)
	task.Result = &ExecutionResult{State: string(agent.StateAborted), Reason: reason}
	task.UpdatedAt = time.Now().Unix()
	return nil
}

func (m *MemoryStore) running(id string) (*Task, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusRunning {
		return nil, ErrTaskConflict
	}
	return task, nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.normalize()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.normalize()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.add(task.Status)
		if task.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = task.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, task.Status) {
		return false
	}
	if opts.Mode != "" && string(task.Mode) != opts.Mode {
		return false
	}
	since, until := opts.updatedBounds()
	if since > 0 && task.UpdatedAt < since {
		return false
	}
	if until > 0 && task.UpdatedAt > until {
		return false
	}
	if opts.Finished != nil && taskHasResult(task) != *opts.Finished {
		return false
	}
	if opts.Query != "" && !taskMatchesQuery(task, opts.Query) {
		return false
	}
	return true
}

func taskHasResult(task *Task) bool {
	return task != nil && task.Result != nil && !task.Result.Empty()
}

func taskMatchesQuery(task *Task, query string) bool {
	needle := strings.ToLower(query)
	fields := []string{task.ID, task.Goal, task.LastError}
	if task.Result != nil {
		fields = append(fields, task.Result.FinalAnswer, task.Result.Reason)
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
