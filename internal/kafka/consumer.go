package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"arc-sentinel/internal/schema"

	"github.com/segmentio/kafka-go"
)

// EventHandler receives each decoded event. Returning an error leaves the
// message uncommitted.
type EventHandler func(ctx context.Context, e *schema.Event) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads JSON events from the events topic.
type Consumer struct {
	reader  messageReader
	handler EventHandler
	topic   string
	timeout time.Duration
	started atomic.Bool
	closed  atomic.Bool

	messages atomic.Uint64
	bytes    atomic.Uint64
	errors   atomic.Uint64
	skipped  atomic.Uint64
}

// NewConsumer creates a group consumer on cfg.EventsTopic.
func NewConsumer(cfg Config, handler EventHandler) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventsTopic == "" {
		return nil, errors.New("kafka: events topic is required")
	}
	if handler == nil {
		return nil, errors.New("kafka: event handler is required")
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.EventsTopic,
		Dialer:         dialer,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	slog.Info("kafka consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.EventsTopic,
		"group", cfg.ConsumerGroup,
	)
	return newConsumer(reader, cfg.EventsTopic, handler), nil
}

func newConsumer(r messageReader, topic string, handler EventHandler) *Consumer {
	return &Consumer{reader: r, handler: handler, topic: topic, timeout: 30 * time.Second}
}

// Run consumes until ctx is cancelled. Messages that do not decode as events
// are committed and skipped so they cannot block the partition.
func (c *Consumer) Run(ctx context.Context) error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}
	if c.closed.Load() {
		return ErrConsumerClosed
	}

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.errors.Add(1)
			slog.Error("failed to fetch message", "topic", c.topic, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		var e schema.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			c.skipped.Add(1)
			slog.Warn("skipping undecodable message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			c.commit(ctx, msg)
			continue
		}

		hctx, cancel := context.WithTimeout(ctx, c.timeout)
		err = c.handler(hctx, &e)
		cancel()
		if err != nil {
			c.errors.Add(1)
			slog.Error("failed to handle event",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}

		c.commit(ctx, msg)
		c.messages.Add(1)
		c.bytes.Add(uint64(len(msg.Key) + len(msg.Value)))
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		slog.Error("failed to commit offset", "offset", msg.Offset, "error", err)
	}
}

// Metrics returns consumer counters.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
		Errors:   c.errors.Load(),
		Skipped:  c.skipped.Load(),
	}
}

// Close closes the reader. Run must have returned or its context been
// cancelled.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	slog.Info("closing kafka consumer", "topic", c.topic, "messages", c.messages.Load())
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
