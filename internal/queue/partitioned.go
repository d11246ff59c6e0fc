package queue

import (
	"github.com/cespare/xxhash/v2"

	"arc-sentinel/internal/schema"
)

// Config sizes the ingest queue.
type Config struct {
	// Size is the total capacity, split evenly across partitions.
	Size int `yaml:"size"`
	// Partitions is the number of ring buffers, one per worker.
	Partitions int `yaml:"partitions"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{Size: DefaultSize, Partitions: 4}
}

// Partitioned spreads events over ring buffers by source IP, so every event
// from one source lands in the same buffer and is consumed in arrival order.
type Partitioned struct {
	parts []*RingBuffer
}

// NewPartitioned creates a Partitioned queue.
func NewPartitioned(cfg Config) *Partitioned {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	per := max(1, cfg.Size/cfg.Partitions)

	p := &Partitioned{parts: make([]*RingBuffer, cfg.Partitions)}
	for i := range p.parts {
		p.parts[i] = NewRingBuffer(per)
	}
	return p
}

// Push routes the event to its source's partition.
func (p *Partitioned) Push(event *schema.Event) error {
	return p.parts[p.index(event.SourceIP)].Push(event)
}

func (p *Partitioned) index(source string) int {
	return int(xxhash.Sum64String(source) % uint64(len(p.parts)))
}

// Partitions returns the number of partitions.
func (p *Partitioned) Partitions() int {
	return len(p.parts)
}

// Partition returns the i-th ring buffer.
func (p *Partitioned) Partition(i int) *RingBuffer {
	return p.parts[i]
}

// Len returns the number of buffered events across partitions.
func (p *Partitioned) Len() int {
	n := 0
	for _, rb := range p.parts {
		n += rb.Len()
	}
	return n
}

// Close closes every partition.
func (p *Partitioned) Close() {
	for _, rb := range p.parts {
		rb.Close()
	}
}

// Metrics sums statistics over partitions.
func (p *Partitioned) Metrics() QueueMetrics {
	var m QueueMetrics
	for _, rb := range p.parts {
		m.add(rb.Metrics())
	}
	return m
}
