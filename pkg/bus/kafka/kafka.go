// Package kafka implements the presence-event bus on Kafka.
//
// One topic, hash-partitioned by user id, gives per-user total order. Each
// presence node consumes with its own consumer group (GroupID = instance
// id), so every node receives every event; that group-per-node fan-out is
// the fleet's broadcast mechanism.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/marmos91/presenced/internal/logger"
	"github.com/marmos91/presenced/pkg/bus"
)

// Config holds Kafka connection configuration.
type Config struct {
	// Brokers is the bootstrap broker list.
	Brokers []string `mapstructure:"brokers" validate:"required,min=1" yaml:"brokers"`

	// Topic overrides the default presence topic. Default: bus.Topic.
	Topic string `mapstructure:"topic" yaml:"topic"`
}

func (c Config) topic() string {
	if c.Topic != "" {
		return c.Topic
	}
	return bus.Topic
}

// Publisher writes presence events keyed by user id.
type Publisher struct {
	writer *kafka.Writer
}

var _ bus.Publisher = (*Publisher)(nil)

// NewPublisher creates a Kafka publisher for presence events.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.topic(),
			Balancer: &kafka.Hash{}, // same key -> same partition -> per-user order
			// Presence transitions are latency-sensitive; do not wait to batch.
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish writes one event, keyed by its user id.
func (p *Publisher) Publish(ctx context.Context, event bus.Event) error {
	if !event.Action.Valid() {
		return fmt.Errorf("invalid presence action %q", event.Action)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode presence event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.UserID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publish presence event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Consumer reads the presence topic with a per-instance consumer group.
type Consumer struct {
	reader *kafka.Reader
}

var _ bus.Consumer = (*Consumer)(nil)

// NewConsumer creates a consumer whose group id is the instance id, so this
// instance receives every message regardless of what other instances read.
func NewConsumer(cfg Config, instanceID string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.topic(),
			GroupID:        instanceID,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			CommitInterval: time.Second,
		}),
	}
}

// Run consumes events until the context is cancelled. Malformed messages
// and handler errors are logged and skipped; ordering within a partition is
// preserved because messages are handled before the next fetch.
func (c *Consumer) Run(ctx context.Context, handler bus.Handler) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("read presence event: %w", err)
		}

		var event bus.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Warn("dropping malformed presence event",
				logger.KeyTopic, msg.Topic,
				logger.KeyPartition, msg.Partition,
				logger.KeyError, err)
			continue
		}

		if err := handler(ctx, event); err != nil {
			logger.Error("presence event handler failed",
				logger.KeyUserID, event.UserID,
				logger.KeyAction, string(event.Action),
				logger.KeyError, err)
		}
	}
}

// Close closes the reader and leaves the consumer group.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
