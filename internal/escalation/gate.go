package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/notify"
	"OpenMCP-Agent/internal/observability/metrics"
	"OpenMCP-Agent/pkg/logger"
)

const (
	// DefaultPollInterval 是轮询决策的间隔，也是取消延迟的上界。
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultTimeout 是等待人工决策的硬超时。
	DefaultTimeout = 10 * time.Minute
)

// Gate 在执行器无法自主推进时等待人工决策。
type Gate struct {
	store    Store
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
}

// Option 定义可选的 Gate 配置。
type Option func(*Gate)

// WithPollInterval 设置轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithTimeout 设置硬超时。
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithIDGenerator 替换关联 ID 生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(g *Gate) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// NewGate 创建人工介入网关。
func NewGate(store Store, opts ...Option) *Gate {
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Gate{
		store:    store,
		interval: DefaultPollInterval,
		timeout:  DefaultTimeout,
		logger:   logger.Named("escalation"),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Store 返回底层存储，供 API 层提交决策。
func (g *Gate) Store() Store { return g.store }

// Await 登记请求并等待决策，结果恰好是 done、abort、timeout 之一。
// ctx 被取消时返回 abort。无论结果如何，返回前都会清理待处理请求。
// stream 可以为空。
func (g *Gate) Await(ctx context.Context, taskID, prompt string, stream *notify.Stream) (Request, Action, error) {
	req := Request{
		CorrelationID: g.newID(),
		TaskID:        taskID,
		Prompt:        prompt,
		CreatedAt:     g.now(),
	}
	log := logger.FromContext(ctx, g.logger).With(slog.String("request_id", req.CorrelationID))

	if err := g.store.Publish(ctx, req); err != nil {
		return req, ActionAbort, xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记人工介入请求失败")
	}
	defer func() {
		// 即使 ctx 已取消也要清理，避免过期请求被后续决策命中。
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := g.store.Clear(clearCtx, req.CorrelationID); err != nil {
			log.Warn("清理人工介入请求失败", slog.Any("error", err))
		}
	}()

	if stream != nil {
		content := fmt.Sprintf("需要人工介入 (requestId=%s): %s", req.CorrelationID, prompt)
		if err := stream.Emit(ctx, notify.KindEscalation, content); err != nil {
			log.Warn("发送人工介入通知失败", slog.Any("error", err))
		}
	}
	log.Info("等待人工决策", slog.String("prompt", prompt), slog.Duration("timeout", g.timeout))

	action := g.wait(ctx, req.CorrelationID, log)
	metrics.ObserveEscalation(string(action))
	switch action {
	case ActionTimeout:
		log.Warn("人工介入等待超时", slog.String("code", string(xerrors.CodeHumanTimeout)))
	default:
		log.Info("人工介入已决策", slog.String("action", string(action)))
	}
	return req, action, nil
}

func (g *Gate) wait(ctx context.Context, id string, log *slog.Logger) Action {
	deadline := time.NewTimer(g.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		if action, ok := g.poll(ctx, id, log); ok {
			return action
		}
		select {
		case <-ctx.Done():
			return ActionAbort
		case <-deadline.C:
			return ActionTimeout
		case <-ticker.C:
		}
	}
}

func (g *Gate) poll(ctx context.Context, id string, log *slog.Logger) (Action, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	action, resolved, err := g.store.Poll(ctx, id)
	if err != nil {
		log.Warn("读取人工决策失败", slog.Any("error", err))
		return "", false
	}
	return action, resolved
}
