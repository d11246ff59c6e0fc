// Package consumer drains the ingest queue into the pipeline.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"arc-sentinel/internal/metrics"
	"arc-sentinel/internal/pipeline"
	"arc-sentinel/internal/queue"
	"arc-sentinel/internal/schema"
)

// Config holds the consumer configuration.
type Config struct {
	// ProcessTimeout bounds one event's trip through the pipeline.
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	ShutdownWait   time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		ProcessTimeout: 30 * time.Second,
		ShutdownWait:   30 * time.Second,
	}
}

// Processor handles one event.
type Processor interface {
	Process(ctx context.Context, e *schema.Event) (*pipeline.Result, error)
}

// Consumer runs one worker per queue partition, so events from one source are
// processed in arrival order.
type Consumer struct {
	queue     *queue.Partitioned
	processor Processor
	config    Config
	metrics   *metrics.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc

	consumed atomic.Uint64
	rejected atomic.Uint64
	errors   atomic.Uint64
}

// New creates a new Consumer. m may be nil.
func New(q *queue.Partitioned, p Processor, cfg Config, m *metrics.Metrics) *Consumer {
	return &Consumer{
		queue:     q,
		processor: p,
		config:    cfg,
		metrics:   m,
	}
}

// Start starts the workers. They stop when ctx ends or the queue is closed and
// drained.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.queue.Partitions(); i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	slog.Info("queue consumer started", "workers", c.queue.Partitions())
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	rb := c.queue.Partition(id)

	for {
		event, err := rb.Next(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && ctx.Err() == nil {
				slog.Warn("unexpected queue error", "worker_id", id, "error", err)
			}
			slog.Debug("consumer worker stopping", "worker_id", id)
			return
		}
		c.handle(ctx, id, event)
	}
}

func (c *Consumer) handle(ctx context.Context, id int, event *schema.Event) {
	if c.config.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ProcessTimeout)
		defer cancel()
	}

	_, err := c.processor.Process(ctx, event)
	if c.metrics != nil {
		c.metrics.QueueDepth.Set(float64(c.queue.Len()))
	}
	switch {
	case err == nil:
		c.consumed.Add(1)
	case errors.Is(err, pipeline.ErrInvalidEvent):
		c.rejected.Add(1)
		slog.Warn("rejected queued event", "worker_id", id, "event_id", event.ID, "error", err)
	default:
		c.errors.Add(1)
		slog.Error("failed to process event", "worker_id", id, "event_id", event.ID, "error", err)
	}
}

// Stop closes the queue and waits for the workers to drain it. Workers still
// running after ShutdownWait are cancelled.
func (c *Consumer) Stop() {
	c.queue.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue consumer stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("queue consumer shutdown timed out", "pending", c.queue.Len())
		c.cancel()
		<-done
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Rejected: c.rejected.Load(),
		Errors:   c.errors.Load(),
		Queue:    c.queue.Metrics(),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64             `json:"consumed"`
	Rejected uint64             `json:"rejected"`
	Errors   uint64             `json:"errors"`
	Queue    queue.QueueMetrics `json:"queue"`
}
