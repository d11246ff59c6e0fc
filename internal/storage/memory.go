package storage

import (
	"context"
	"sort"
	"sync"

	"arc-sentinel/internal/schema"

	"github.com/google/uuid"
)

// MemoryStore is an in-process EventStore. Events are kept sorted by timestamp so
// range scans stop early; all reads run under a read lock and see a consistent
// snapshot.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*schema.Event
	ids    map[uuid.UUID]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids: make(map[uuid.UUID]struct{}),
	}
}

// Insert stores a copy of the event.
func (s *MemoryStore) Insert(ctx context.Context, event *schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[event.ID]; ok {
		return WrapQueryError("Insert", "events", ErrDuplicateEvent)
	}

	cp := *event
	i := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Timestamp.After(cp.Timestamp)
	})
	s.events = append(s.events, nil)
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = &cp
	s.ids[cp.ID] = struct{}{}
	return nil
}

// Query returns copies of matching events in timestamp order.
func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*schema.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.Event
	s.scan(f, func(e *schema.Event) bool {
		cp := *e
		out = append(out, &cp)
		return f.Limit <= 0 || len(out) < f.Limit
	})
	return out, nil
}

// Count returns the number of matching events.
func (s *MemoryStore) Count(ctx context.Context, f Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	s.scan(f, func(*schema.Event) bool {
		n++
		return true
	})
	return n, nil
}

// MaxBytes returns the largest byte count among matching events, 0 if none.
func (s *MemoryStore) MaxBytes(ctx context.Context, f Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	s.scan(f, func(e *schema.Event) bool {
		if e.Bytes > max {
			max = e.Bytes
		}
		return true
	})
	return max, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// scan visits matching events in filter order until visit returns false.
// Caller must hold the read lock.
func (s *MemoryStore) scan(f Filter, visit func(*schema.Event) bool) {
	lo := 0
	if !f.Start.IsZero() {
		lo = sort.Search(len(s.events), func(i int) bool {
			return !s.events[i].Timestamp.Before(f.Start)
		})
	}
	hi := len(s.events)
	if !f.End.IsZero() {
		hi = sort.Search(len(s.events), func(i int) bool {
			return !s.events[i].Timestamp.Before(f.End)
		})
	}

	if f.Desc {
		for i := hi - 1; i >= lo; i-- {
			if f.Matches(s.events[i]) && !visit(s.events[i]) {
				return
			}
		}
		return
	}
	for i := lo; i < hi; i++ {
		if f.Matches(s.events[i]) && !visit(s.events[i]) {
			return
		}
	}
}
