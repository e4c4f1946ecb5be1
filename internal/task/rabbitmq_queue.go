package task

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用一条连接上的两个 channel：发布 channel 开启 publisher
// confirm，消费 channel 使用手动确认。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	publish *amqp.Channel
	consume *amqp.Channel
	queue   string
	logger  *slog.Logger

	pubMu sync.Mutex
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (_ *RabbitMQQueue, err error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{queue: cfg.Queue, logger: logger.Named("task.rabbitmq_queue")}
	if q.queue == "" {
		q.queue = "openmcp.tasks"
	}
	defer func() {
		if err != nil {
			_ = q.Close()
		}
	}()

	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	if q.publish, err = q.conn.Channel(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建发布 channel 失败")
	}
	if err = q.publish.Confirm(false); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "开启 publisher confirm 失败")
	}
	if q.consume, err = q.conn.Channel(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建消费 channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err = q.consume.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QoS 失败")
		}
	}
	if _, err = q.consume.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return q, nil
}

// Publish 投递一条消息并等待 broker 确认。
func (q *RabbitMQQueue) Publish(ctx context.Context, dispatch Dispatch) error {
	body, err := encodeDispatch(dispatch)
	if err != nil {
		return err
	}
	q.pubMu.Lock()
	confirm, err := q.publish.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dispatch.TaskID,
		Headers:      amqp.Table{"x-attempt": strconv.Itoa(dispatch.Attempt)},
		Body:         body,
	})
	q.pubMu.Unlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "等待 RabbitMQ 确认失败")
	}
	if !acked {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 拒绝了任务 "+dispatch.TaskID)
	}
	return nil
}

// Consume 使用手动确认消费队列：handler 失败的消息重新入队，
// 无法解析的消息直接丢弃。连接意外断开时返回 QUEUE_FAILURE。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	deliveries, err := q.consume.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	closed := q.conn.NotifyClose(make(chan *amqp.Error, 1))

	g, gctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case amqpErr := <-closed:
					if amqpErr == nil {
						return gctx.Err()
					}
					return xerrors.Wrap(xerrors.CodeQueueFailure, amqpErr, "RabbitMQ 连接已断开")
				case msg, ok := <-deliveries:
					if !ok {
						if gctx.Err() != nil {
							return gctx.Err()
						}
						return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭")
					}
					q.handle(gctx, msg, handler)
				}
			}
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (q *RabbitMQQueue) handle(ctx context.Context, msg amqp.Delivery, handler Handler) {
	dispatch, err := decodeDispatch(msg.Body)
	if err != nil {
		q.logger.Warn("丢弃无法解析的任务消息", slog.String("queue", q.queue), slog.Any("error", err))
		_ = msg.Nack(false, false)
		return
	}
	if err := handler(ctx, dispatch); err != nil && ctx.Err() == nil {
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	for _, ch := range []*amqp.Channel{q.publish, q.consume} {
		if ch != nil {
			_ = ch.Close()
		}
	}
	if q.conn == nil || q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}
