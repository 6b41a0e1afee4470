package queue

import (
	"context"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer the Producer needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns an async writer with no default topic; every message
// names its own. Delivery errors are logged from the completion callback.
func NewWriter(brokers []string, log *zap.Logger) *kafka.Writer {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("kafka_writer")
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 5 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Error("kafka_write_failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
}

// Producer publishes engine events to Kafka without blocking the caller
type Producer struct {
	writer MessageWriter
	log    *zap.Logger
}

func NewProducer(w MessageWriter, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{writer: w, log: log.Named("producer")}
}

// Send encodes ev and hands it to the writer keyed by key
func (p *Producer) Send(topic, key string, ev protocol.Event) {
	value, err := protocol.EncodeEvent(ev)
	if err != nil {
		p.log.Error("event_encode_failed", zap.String("type", ev.EventType()), zap.Error(err))
		return
	}
	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: value}
	if err := p.writer.WriteMessages(context.Background(), msg); err != nil {
		p.log.Error("event_send_failed", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
