package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink delivers messages to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// Broadcaster publishes messages to every configured destination.
type Broadcaster interface {
	Broadcast(ctx context.Context, m Message)
}

// Nop discards every message.
type Nop struct{}

func (Nop) Broadcast(context.Context, Message) {}

// DeliveryStatus is the state of one delivery.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks a message delivery to one sink.
type DeliveryRecord struct {
	ID          uuid.UUID      `json:"id"`
	MessageID   uuid.UUID      `json:"message_id"`
	Type        Type           `json:"type"`
	Sink        string         `json:"sink"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// DeliveryConfig configures retries.
type DeliveryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// DeadLetterLimit bounds the dead letter queue.
	DeadLetterLimit int `yaml:"dead_letter_limit"`
}

// DefaultDeliveryConfig returns default delivery settings.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:      3,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		AttemptTimeout:  10 * time.Second,
		DeadLetterLimit: 1000,
	}
}

// DeliveryStats summarises dispatcher activity.
type DeliveryStats struct {
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	DeadLetter int    `json:"dead_letter"`
	InFlight   int    `json:"in_flight"`
}

// Dispatcher delivers each message to every sink concurrently, retrying with
// exponential backoff. Deliveries that exhaust their retries land in a bounded
// dead letter queue. Broadcast never blocks on a sink.
type Dispatcher struct {
	config DeliveryConfig
	sinks  []Sink

	mu         sync.Mutex
	stopped    bool
	inFlight   int
	sent       uint64
	failed     uint64
	deadLetter []*DeliveryRecord

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over sinks.
func NewDispatcher(cfg DeliveryConfig, sinks ...Sink) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.DeadLetterLimit <= 0 {
		cfg.DeadLetterLimit = DefaultDeliveryConfig().DeadLetterLimit
	}
	return &Dispatcher{
		config: cfg,
		sinks:  sinks,
		stopCh: make(chan struct{}),
	}
}

// Broadcast queues m for delivery to every sink. Delivery outlives ctx
// cancellation but not Stop.
func (d *Dispatcher) Broadcast(ctx context.Context, m Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// wg.Add happens under mu so Stop cannot start waiting between the
	// stopped check and the Add.
	if d.stopped {
		slog.Debug("dispatcher stopped, dropping message", "type", m.Type)
		return
	}

	for _, sink := range d.sinks {
		rec := &DeliveryRecord{
			ID:        uuid.New(),
			MessageID: m.ID,
			Type:      m.Type,
			Sink:      sink.Name(),
			Status:    DeliveryPending,
			CreatedAt: time.Now(),
		}
		d.inFlight++
		d.wg.Add(1)
		go d.deliver(context.WithoutCancel(ctx), sink, m, rec)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, m Message, rec *DeliveryRecord) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	backoff := d.config.InitialBackoff
	for attempt := 1; attempt <= d.config.MaxRetries; attempt++ {
		rec.Attempts = attempt
		if attempt > 1 {
			rec.Status = DeliveryRetrying
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
		err := sink.Send(attemptCtx, m)
		cancel()

		if err == nil {
			now := time.Now()
			rec.Status = DeliverySent
			rec.DeliveredAt = &now
			d.mu.Lock()
			d.sent++
			d.mu.Unlock()
			return
		}

		rec.LastError = err.Error()
		slog.Warn("notification delivery failed",
			"sink", sink.Name(),
			"type", m.Type,
			"attempt", attempt,
			"max_retries", d.config.MaxRetries,
			"error", err,
		)

		if attempt < d.config.MaxRetries {
			select {
			case <-d.stopCh:
				d.toDeadLetter(rec, "dispatcher stopped")
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > d.config.MaxBackoff {
				backoff = d.config.MaxBackoff
			}
		}
	}
	d.toDeadLetter(rec, rec.LastError)
}

func (d *Dispatcher) toDeadLetter(rec *DeliveryRecord, reason string) {
	rec.Status = DeliveryDeadLetter
	rec.LastError = reason

	d.mu.Lock()
	d.failed++
	if len(d.deadLetter) >= d.config.DeadLetterLimit {
		d.deadLetter = d.deadLetter[1:]
	}
	d.deadLetter = append(d.deadLetter, rec)
	d.mu.Unlock()

	slog.Error("notification moved to dead letter queue",
		"message_id", rec.MessageID,
		"sink", rec.Sink,
		"attempts", rec.Attempts,
		"reason", reason,
	)
}

// DeadLetters returns copies of failed delivery records.
func (d *Dispatcher) DeadLetters() []DeliveryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeliveryRecord, len(d.deadLetter))
	for i, rec := range d.deadLetter {
		out[i] = *rec
	}
	return out
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() DeliveryStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeliveryStats{
		Sent:       d.sent,
		Failed:     d.failed,
		DeadLetter: len(d.deadLetter),
		InFlight:   d.inFlight,
	}
}

// Stop rejects new messages, abandons pending retries and waits for in-flight
// attempts to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.stopCh)
	})
	d.wg.Wait()
}
