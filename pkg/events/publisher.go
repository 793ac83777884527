package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// 任务事件类型
const (
	EventTaskCreated      = "task.created"
	EventTaskStateChanged = "task.state_changed"
	EventTaskExpired      = "task.expired"
)

// TaskEvent 任务生命周期事件
type TaskEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  string    `json:"event_version"`
	Agent         string    `json:"agent"`
	TaskID        string    `json:"task_id,omitempty"`
	State         string    `json:"state,omitempty"`
	PreviousState string    `json:"previous_state,omitempty"`
	Count         int       `json:"count,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher 事件发布器接口
type Publisher interface {
	// Publish 发布事件
	Publish(ctx context.Context, event *TaskEvent) error
	// Close 关闭发布器
	Close() error
}

// Config 发布器配置，Brokers 为空时不发布
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	// Async 异步写入，不等待 broker 确认
	Async bool `mapstructure:"async"`
}

// New 根据配置创建发布器
func New(cfg Config, logger *zap.Logger) Publisher {
	if len(cfg.Brokers) == 0 {
		logger.Info("event brokers not configured, task events disabled")
		return NoopPublisher{}
	}
	return NewKafkaPublisher(cfg, logger)
}

// KafkaPublisher Kafka 事件发布器
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher 创建 Kafka 发布器
func NewKafkaPublisher(cfg Config, logger *zap.Logger) *KafkaPublisher {
	topic := cfg.Topic
	if topic == "" {
		topic = "agent.task.events"
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // 同一任务的事件落在同一分区，保证顺序
			RequiredAcks: kafka.RequireOne,
			Async:        cfg.Async,
			BatchTimeout: 50 * time.Millisecond,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Sugar().Errorf("kafka writer: "+msg, args...)
			}),
		},
		logger: logger,
	}
}

// Publish 发布事件
func (p *KafkaPublisher) Publish(ctx context.Context, event *TaskEvent) error {
	msg, err := toMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.EventType, err)
	}
	return nil
}

// Close 关闭发布器
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// toMessage 填充默认值并序列化
func toMessage(event *TaskEvent) (kafka.Message, error) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.EventVersion == "" {
		event.EventVersion = "v1"
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}

	key := event.TaskID
	if key == "" {
		key = event.Agent
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "agent", Value: []byte(event.Agent)},
		},
	}, nil
}

// NoopPublisher 丢弃所有事件
type NoopPublisher struct{}

// Publish 丢弃事件
func (NoopPublisher) Publish(ctx context.Context, event *TaskEvent) error { return nil }

// Close 无需释放资源
func (NoopPublisher) Close() error { return nil }
