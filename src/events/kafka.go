package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Protocol-Lattice/go-memory/src/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per event, keyed by memory id so every
// change to a record lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// KafkaConfig configures NewKafkaPublisher.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, cfg.Topic), nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, logger: logger.Nop()}
}

func (p *KafkaPublisher) WithLogger(l *slog.Logger) *KafkaPublisher {
	p.logger = logger.OrNop(l)
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...MutationEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode %s event for %s: %w", ev.Event, ev.MemoryID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.MemoryID),
			Value: value,
			Time:  ev.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event", Value: []byte(ev.Event)},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	p.logger.Debug("published mutation events", "topic", p.topic, "count", len(msgs))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
