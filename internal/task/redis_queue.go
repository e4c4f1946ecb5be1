package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/pkg/logger"
)

const (
	defaultRedisQueueKey  = "openmcp:tasks"
	defaultRedisBlockWait = 5 * time.Second
)

// RedisQueue 基于 Redis list 的任务队列。取出的消息先移入 processing 列表，
// 处理结束后删除，进程崩溃遗留的消息在下次 Consume 时放回队列。
// 客户端由调用方持有，Close 不会关闭它。
type RedisQueue struct {
	client     *redis.Client
	key        string
	processing string
	wait       time.Duration
	logger     *slog.Logger
}

// NewRedisQueue 使用共享客户端创建队列，key 为空时使用 openmcp:tasks。
func NewRedisQueue(client *redis.Client, key string, wait time.Duration) *RedisQueue {
	if key == "" {
		key = defaultRedisQueueKey
	}
	if wait <= 0 {
		wait = defaultRedisBlockWait
	}
	return &RedisQueue{
		client:     client,
		key:        key,
		processing: key + ":processing",
		wait:       wait,
		logger:     logger.Named("task.redis_queue"),
	}
}

// Publish 将投递写入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, dispatch Dispatch) error {
	body, err := encodeDispatch(dispatch)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 启动 workerCount 个阻塞读取协程，直到 ctx 结束或出现不可恢复的错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if err := q.recover(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		g.Go(func() error { return q.work(gctx, handler) })
	}
	return g.Wait()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		body, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", q.wait).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		}

		dispatch, decodeErr := decodeDispatch([]byte(body))
		if decodeErr != nil {
			q.logger.Warn("丢弃无法解析的任务消息", slog.String("queue", q.key), slog.Any("error", decodeErr))
			q.ack(body)
			continue
		}
		if handlerErr := handler(ctx, dispatch); handlerErr != nil && ctx.Err() == nil {
			// 放回队尾，下一个空闲 worker 会重新取到。
			if err := q.client.RPush(context.WithoutCancel(ctx), q.key, body).Err(); err != nil {
				q.logger.Error("重新投递任务失败", slog.String("task_id", dispatch.TaskID), slog.Any("error", err))
			}
		}
		q.ack(body)
	}
	return ctx.Err()
}

// ack 从 processing 列表删除一条已处理的消息。
func (q *RedisQueue) ack(body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.LRem(ctx, q.processing, 1, body).Err(); err != nil {
		q.logger.Warn("清理 processing 列表失败", slog.Any("error", err))
	}
}

// recover 把上次运行遗留在 processing 列表中的消息放回队列。
func (q *RedisQueue) recover(ctx context.Context) error {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.key, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "恢复未确认的任务失败")
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("已恢复未确认的任务", slog.Int("count", moved))
	}
	return nil
}

// Close 不关闭共享客户端。
func (q *RedisQueue) Close() error { return nil }
