package escalation

import (
	"context"
	"sort"
	"sync"
)

type memoryEntry struct {
	request Request
	action  Action
}

// MemoryStore 是进程内的请求存储。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

// Publish 实现 Store 接口。
func (s *MemoryStore) Publish(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[req.CorrelationID] = &memoryEntry{request: req}
	return nil
}

// Poll 实现 Store 接口。
func (s *MemoryStore) Poll(_ context.Context, id string) (Action, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok || entry.action == "" {
		return "", false, nil
	}
	return entry.action, true, nil
}

// Resolve 实现 Store 接口。
func (s *MemoryStore) Resolve(_ context.Context, resp Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[resp.RequestID]
	if !ok {
		return errNotFound(resp.RequestID)
	}
	if entry.action != "" {
		return errResolved(resp.RequestID)
	}
	entry.action = resp.Action
	return nil
}

// Clear 实现 Store 接口。
func (s *MemoryStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Pending 返回尚未决策的请求，按创建时间排序。
func (s *MemoryStore) Pending(_ context.Context) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.action == "" {
			out = append(out, entry.request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
