package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the part of *kafka.Reader the Consumer needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Submitter accepts decoded requests. *engine.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req protocol.Request) error
}

// NewReader returns a consumer-group reader for topic
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  100 * time.Millisecond,
	})
}

// Replier publishes an event on a reply channel. *Router satisfies it.
type Replier interface {
	Publish(channel string, ev protocol.Event)
}

// Consumer feeds command envelopes from Kafka into the engine
type Consumer struct {
	reader  MessageReader
	sink    Submitter
	replies Replier
	log     *zap.Logger
}

// NewConsumer creates a consumer. replies may be nil, in which case
// undecodable commands are only logged.
func NewConsumer(r MessageReader, sink Submitter, replies Replier, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{reader: r, sink: sink, replies: replies, log: log.Named("consumer")}
}

// Run consumes until ctx is done. A message that does not decode is answered
// with an InvalidOrderParameters error when its clientId is readable, then
// committed so it cannot wedge the partition.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer_started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.Info("consumer_stopped")
				return nil
			}
			return fmt.Errorf("failed to fetch command: %w", err)
		}

		req, err := protocol.DecodeRequest(msg.Value)
		if err != nil {
			c.log.Warn("command_decode_failed",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			c.rejectMalformed(msg.Value, err)
		} else if err := c.sink.Submit(ctx, req); err != nil {
			if ctx.Err() != nil {
				c.log.Info("consumer_stopped")
				return nil
			}
			return fmt.Errorf("failed to submit command: %w", err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) rejectMalformed(raw []byte, cause error) {
	clientID := protocol.PeekClientID(raw)
	if c.replies == nil || clientID == "" || clientID == protocol.NoReply {
		return
	}
	c.replies.Publish(clientID, protocol.Error{
		Code:    protocol.CodeInvalidOrderParameters,
		Message: cause.Error(),
	})
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
