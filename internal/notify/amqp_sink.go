package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher 是 *amqp.Channel 的发布子集。
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPConfig 描述通知交换机。
type AMQPConfig struct {
	Exchange   string
	RoutingKey string
}

// AMQPSink 把通知以 JSON 形式发布到 RabbitMQ 交换机。
type AMQPSink struct {
	publisher  Publisher
	exchange   string
	routingKey string
}

// NewAMQPSink 基于已声明交换机的 channel 创建通知下游。
func NewAMQPSink(publisher Publisher, cfg AMQPConfig) (*AMQPSink, error) {
	if publisher == nil {
		return nil, errors.New("RabbitMQ channel 不能为空")
	}
	key := cfg.RoutingKey
	if key == "" {
		key = "agent.update"
	}
	return &AMQPSink{publisher: publisher, exchange: cfg.Exchange, routingKey: key}, nil
}

// DeclareExchange 声明 topic 交换机。
func DeclareExchange(ch *amqp.Channel, exchange string) error {
	if exchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("声明通知交换机失败: %w", err)
	}
	return nil
}

// Publish 实现 Sink 接口，路由键附带通知类型，如 agent.update.completion。
func (s *AMQPSink) Publish(ctx context.Context, update Update) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: update.CorrelationID,
		Timestamp:     update.At,
		Type:          string(update.Kind),
		Body:          body,
	}
	if update.Final {
		msg.DeliveryMode = amqp.Persistent
	}
	key := s.routingKey + "." + string(update.Kind)
	if err := s.publisher.PublishWithContext(ctx, s.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("发布通知失败: %w", err)
	}
	return nil
}
