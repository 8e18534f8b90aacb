package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"A2A-Advisory/pkg/logger"
)

// RabbitMQConfig 描述遥测队列的连接参数。
type RabbitMQConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQSink 把遥测事件发布到 RabbitMQ 队列，供外部审计或回放系统消费。
// 发布失败只记录日志，绝不向编排主流程返回错误。
type RabbitMQSink struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     RabbitMQConfig
	closed  bool
}

// NewRabbitMQSink 建立连接并声明队列。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL 不能为空")
	}
	if cfg.Queue == "" {
		cfg.Queue = "advisory.telemetry"
	}
	sink := &RabbitMQSink{cfg: cfg}
	if err := sink.connect(); err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *RabbitMQSink) connect() error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("打开 RabbitMQ channel 失败: %w", err)
	}
	_, err = channel.QueueDeclare(
		s.cfg.Queue,
		s.cfg.Durable,
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("声明队列失败: %w", err)
	}
	s.conn = conn
	s.channel = channel
	return nil
}

// Emit 发布事件。连接断开时尝试重连一次。
func (s *RabbitMQSink) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		logger.L().Warn("序列化遥测事件失败", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.publish(ctx, body); err != nil {
		logger.L().Warn("发布遥测事件失败，尝试重连", "error", err)
		if err := s.reconnect(); err != nil {
			logger.L().Error("遥测重连失败", "error", err)
			return
		}
		if err := s.publish(ctx, body); err != nil {
			logger.L().Error("重连后发布遥测事件仍失败", "error", err)
		}
	}
}

func (s *RabbitMQSink) publish(ctx context.Context, body []byte) error {
	deliveryMode := amqp.Transient
	if s.cfg.Durable {
		deliveryMode = amqp.Persistent
	}
	return s.channel.PublishWithContext(ctx,
		"",          // exchange
		s.cfg.Queue, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: deliveryMode,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (s *RabbitMQSink) reconnect() error {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return s.connect()
}

// Close 关闭 channel 与连接。
func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ Sink = (*RabbitMQSink)(nil)
