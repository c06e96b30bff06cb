package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultEventTopic はカート更新イベントの既定トピック名。
const DefaultEventTopic = "storefront.cart.updated"

// EventTypeCartUpdated はカート更新イベントの種別。
const EventTypeCartUpdated = "cart.updated"

// Event はカート更新時に外部へ通知するイベント。
type Event struct {
	Type       string    `json:"type"`
	DeviceID   string    `json:"device_id"`
	LineItems  int       `json:"line_items"`
	TotalItems int       `json:"total_items"`
	TotalPrice float64   `json:"total_price"`
	OccurredAt time.Time `json:"occurred_at"`
}

// MessageWriter はkafka.Writerのメッセージ送信を抽象化するインターフェース。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher はカート更新イベントをKafkaに送信する。
// 送信失敗はログに記録するのみで、カート操作には影響させない。
type EventPublisher struct {
	writer  MessageWriter
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewKafkaWriter はカート更新イベント用のkafka.Writerを生成する。
// 同じデバイスのイベントが同じパーティションに入るようキーでハッシュ分散する。
func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		AllowAutoTopicCreation: true,
	}
}

// NewEventPublisher はEventPublisherを生成する。
func NewEventPublisher(writer MessageWriter, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		writer:  writer,
		logger:  logger,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Listener はRegistry.Subscribeに登録するリスナーを返す。
func (p *EventPublisher) Listener() DeviceListener {
	return func(deviceID string, c Cart) {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Publish(ctx, deviceID, c); err != nil {
			p.logger.Warn("failed to publish cart event",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Publish はカートのスナップショットからイベントを組み立てて送信する。
func (p *EventPublisher) Publish(ctx context.Context, deviceID string, c Cart) error {
	event := Event{
		Type:       EventTypeCartUpdated,
		DeviceID:   deviceID,
		LineItems:  len(c.Items),
		TotalItems: c.TotalItems,
		TotalPrice: c.TotalPrice,
		OccurredAt: p.now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode cart event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(deviceID),
		Value: data,
		Time:  event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write cart event: %w", err)
	}
	return nil
}

// Close は下位のWriterを閉じる。
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
