// Package ingest accepts events from the outside world: a JSON batch
// endpoint, a newline-delimited JSON TCP listener and a Kafka topic. Every
// transport funnels through Intake, which normalizes, validates and enqueues.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"arc-sentinel/internal/metrics"
	"arc-sentinel/internal/queue"
	"arc-sentinel/internal/schema"
)

// Transport labels for metrics.
const (
	TransportHTTP  = "http"
	TransportTCP   = "tcp"
	TransportKafka = "kafka"
)

// ErrRejected wraps validation failures at the intake boundary.
var ErrRejected = errors.New("invalid event")

// Queue is where accepted events go.
type Queue interface {
	Push(event *schema.Event) error
	Metrics() queue.QueueMetrics
}

// Intake normalizes, validates and enqueues events.
type Intake struct {
	validator *schema.Validator
	queue     Queue
	metrics   *metrics.Metrics
	now       func() time.Time

	accepted atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

// NewIntake creates an Intake. m may be nil.
func NewIntake(v *schema.Validator, q Queue, m *metrics.Metrics) *Intake {
	if v == nil {
		v = schema.NewValidator()
	}
	return &Intake{validator: v, queue: q, metrics: m, now: time.Now}
}

// Submit accepts one event. It returns an error wrapping ErrRejected when the
// event is invalid, and queue.ErrQueueFull or queue.ErrQueueClosed when it
// cannot be enqueued.
func (in *Intake) Submit(transport string, e *schema.Event) error {
	schema.Normalize(e, in.now())
	if err := in.validator.Validate(e); err != nil {
		in.rejected.Add(1)
		in.observe(transport, "rejected")
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if err := in.queue.Push(e); err != nil {
		in.dropped.Add(1)
		in.observe(transport, "dropped")
		return err
	}
	in.accepted.Add(1)
	in.observe(transport, "accepted")
	return nil
}

// HandleKafka adapts Submit to the Kafka consumer. Invalid events are
// skipped so they are committed; a full queue is returned so the message is
// retried.
func (in *Intake) HandleKafka(_ context.Context, e *schema.Event) error {
	err := in.Submit(TransportKafka, e)
	if errors.Is(err, ErrRejected) {
		return nil
	}
	return err
}

func (in *Intake) observe(transport, outcome string) {
	if in.metrics != nil {
		in.metrics.EventsIngested.WithLabelValues(transport, outcome).Inc()
	}
}

// IntakeStats counts intake outcomes across all transports.
type IntakeStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns the current counters.
func (in *Intake) Stats() IntakeStats {
	return IntakeStats{
		Accepted: in.accepted.Load(),
		Rejected: in.rejected.Load(),
		Dropped:  in.dropped.Load(),
	}
}

// QueueMetrics returns the queue metrics.
func (in *Intake) QueueMetrics() queue.QueueMetrics {
	return in.queue.Metrics()
}
