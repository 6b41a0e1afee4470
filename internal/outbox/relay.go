package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// NewProducer builds a sync producer that waits for all in-sync replicas
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_1_0_0

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// Relay moves outbox records to a Kafka topic
type Relay struct {
	outbox   *Outbox
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
	log      *zap.Logger
}

func NewRelay(ob *Outbox, producer sarama.SyncProducer, topic string, interval time.Duration, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		outbox:   ob,
		producer: producer,
		topic:    topic,
		interval: interval,
		log:      log.Named("relay"),
	}
}

// Run flushes on every tick until ctx is done, then makes one last attempt
func (r *Relay) Run(ctx context.Context) {
	r.log.Info("relay_started", zap.String("topic", r.topic), zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n, err := r.Flush(); err != nil {
				r.log.Warn("relay_final_flush_incomplete", zap.Int("sent", n), zap.Error(err))
			}
			r.log.Info("relay_stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(); err != nil {
				r.log.Warn("relay_flush_failed", zap.Error(err))
			}
		}
	}
}

// Flush sends pending records in order. It stops at the first failed send so
// later records never overtake it, and returns how many were delivered.
func (r *Relay) Flush() (int, error) {
	// Nothing leaves the host before it is on disk here.
	if err := r.outbox.Sync(); err != nil {
		return 0, err
	}
	sent := 0
	err := r.outbox.Scan(func(rec Record) error {
		msg := &sarama.ProducerMessage{
			Topic: r.topic,
			Key:   sarama.StringEncoder(rec.Key),
			Value: sarama.ByteEncoder(rec.Payload),
		}
		if _, _, err := r.producer.SendMessage(msg); err != nil {
			return fmt.Errorf("failed to send outbox record %d: %w", rec.Seq, err)
		}
		if err := r.outbox.Delete(rec.Seq); err != nil {
			return err
		}
		sent++
		return nil
	})
	return sent, err
}

func (r *Relay) Close() error {
	return r.producer.Close()
}
