package notify

import (
	"context"
	"sync"
)

// Recorder 在内存中记录通知，主要用于测试与命令行展示。
type Recorder struct {
	mu      sync.Mutex
	updates []Update
}

// Publish 实现 Sink 接口。
func (r *Recorder) Publish(_ context.Context, update Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

// Updates 返回已记录通知的副本。
func (r *Recorder) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, len(r.updates))
	copy(out, r.updates)
	return out
}

// Terminal 返回所有终止通知。
func (r *Recorder) Terminal() []Update {
	var out []Update
	for _, u := range r.Updates() {
		if u.Final {
			out = append(out, u)
		}
	}
	return out
}

// OfKind 返回指定类型的通知。
func (r *Recorder) OfKind(kind Kind) []Update {
	var out []Update
	for _, u := range r.Updates() {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}
