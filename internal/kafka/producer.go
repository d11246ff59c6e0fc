package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes keyed messages to one topic with retry.
type Producer struct {
	writer  messageWriter
	topic   string
	retries int
	backoff time.Duration
	closed  atomic.Bool

	messages     atomic.Uint64
	bytes        atomic.Uint64
	errors       atomic.Uint64
	retriesCount atomic.Uint64
}

// NewProducer creates a producer for topic.
func NewProducer(cfg Config, topic string) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, errors.New("kafka: producer topic is required")
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.Compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	slog.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"topic", topic,
		"compression", cfg.CompressionType,
	)
	return newProducer(writer, topic, cfg.MaxRetries, cfg.RetryBackoff), nil
}

func newProducer(w messageWriter, topic string, retries int, backoff time.Duration) *Producer {
	return &Producer{writer: w, topic: topic, retries: retries, backoff: backoff}
}

// Publish writes one message, retrying with exponential backoff.
func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	msg := kafka.Message{Key: key, Value: value, Time: time.Now()}

	var lastErr error
	backoff := p.backoff
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			p.retriesCount.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.messages.Add(1)
			p.bytes.Add(uint64(len(key) + len(value)))
			return nil
		}

		lastErr = err
		p.errors.Add(1)
		slog.Warn("kafka publish failed",
			"topic", p.topic,
			"attempt", attempt+1,
			"error", err,
		)
		if isNonRetryable(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}
	return fmt.Errorf("kafka: failed after %d attempts: %w", p.retries+1, lastErr)
}

// Topic returns the destination topic.
func (p *Producer) Topic() string { return p.topic }

// Metrics returns producer counters.
func (p *Producer) Metrics() Metrics {
	return Metrics{
		Messages: p.messages.Load(),
		Bytes:    p.bytes.Load(),
		Errors:   p.errors.Load(),
		Retries:  p.retriesCount.Load(),
	}
}

// Close flushes buffered messages and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	slog.Info("closing kafka producer", "topic", p.topic, "messages", p.messages.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

func isNonRetryable(err error) bool {
	return errors.Is(err, kafka.MessageSizeTooLarge) ||
		errors.Is(err, kafka.InvalidTopic) ||
		errors.Is(err, kafka.TopicAuthorizationFailed) ||
		errors.Is(err, kafka.ClusterAuthorizationFailed)
}
