package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Health reports broker reachability.
type Health struct {
	Healthy     bool          `json:"healthy"`
	Latency     time.Duration `json:"latency"`
	BrokerCount int           `json:"broker_count"`
	Error       string        `json:"error,omitempty"`
}

// Admin manages the topics arc-sentinel uses.
type Admin struct {
	cfg Config
}

// NewAdmin creates an Admin.
func NewAdmin(cfg Config) (*Admin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Admin{cfg: cfg}, nil
}

// EnsureTopics creates the configured events and notifications topics when
// they do not exist.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	dialer, err := a.cfg.Dialer()
	if err != nil {
		return err
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: failed to read partitions: %w", err)
	}
	existing := make(map[string]bool)
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	var missing []kafka.TopicConfig
	for _, topic := range []string{a.cfg.EventsTopic, a.cfg.NotificationsTopic} {
		if topic == "" || existing[topic] {
			continue
		}
		missing = append(missing, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     a.cfg.Partitions,
			ReplicationFactor: a.cfg.ReplicationFactor,
		})
	}
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}
	ctrl, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer ctrl.Close()

	if err := ctrl.CreateTopics(missing...); err != nil {
		return fmt.Errorf("kafka: failed to create topics: %w", err)
	}
	for _, t := range missing {
		slog.Info("kafka topic created", "topic", t.Topic, "partitions", t.NumPartitions)
	}
	return nil
}

// HealthCheck dials the first broker and lists the cluster.
func (a *Admin) HealthCheck(ctx context.Context) Health {
	var h Health
	start := time.Now()

	dialer, err := a.cfg.Dialer()
	if err != nil {
		h.Error = err.Error()
		return h
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.Brokers[0])
	if err != nil {
		h.Error = fmt.Sprintf("failed to connect: %v", err)
		return h
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		h.Error = fmt.Sprintf("failed to get brokers: %v", err)
		return h
	}
	h.Latency = time.Since(start)
	h.BrokerCount = len(brokers)
	h.Healthy = len(brokers) > 0
	return h
}
