package task

import (
	"slices"
	"strings"
	"time"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 决定列表按更新时间的排序方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

// ListOptions 是 Store.List 与 Store.Stats 共用的过滤条件，零值表示不过滤。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	Mode     string
	// Query 对 id、目标、最终答案、原因与错误做子串匹配。
	Query        string
	UpdatedSince time.Time
	UpdatedUntil time.Time
	// Finished 非空时只保留已有（或尚无）运行结果的任务。
	Finished *bool
	Order    SortOrder
}

// normalize 修正越界的分页参数并清洗过滤值，存储实现在查询前调用。
func (o *ListOptions) normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	o.Statuses = validStatuses(o.Statuses)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Query = strings.TrimSpace(o.Query)
	o.Mode = strings.ToLower(strings.TrimSpace(o.Mode))
}

// updatedBounds 以 Unix 秒返回更新时间区间，0 表示无界。
func (o ListOptions) updatedBounds() (since, until int64) {
	if !o.UpdatedSince.IsZero() {
		since = o.UpdatedSince.Unix()
	}
	if !o.UpdatedUntil.IsZero() {
		until = o.UpdatedUntil.Unix()
	}
	return since, until
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只保留处于给定状态之一的任务，非法状态被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

func WithMode(mode string) ListOption {
	return func(o *ListOptions) { o.Mode = mode }
}

func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

// WithUpdatedSince 只保留在 ts 之后（含）更新过的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedSince = ts }
}

// WithUpdatedUntil 只保留最后更新不晚于 ts 的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedUntil = ts }
}

// WithFinished 按是否已经记录运行结果过滤。
func WithFinished(finished bool) ListOption {
	return func(o *ListOptions) { o.Finished = &finished }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.normalize()
	return options
}

// validStatuses 去重并丢弃未知状态，结果为空时返回 nil 表示不过滤。
func validStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(out, status) {
			out = append(out, status)
		}
	}
	return out
}
