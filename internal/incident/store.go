package incident

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store persists incidents and their forensic reports.
type Store interface {
	Create(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id uuid.UUID) (*Incident, error)
	List(ctx context.Context, f Filter) ([]*Incident, error)
	Update(ctx context.Context, inc *Incident) error
	SaveReport(ctx context.Context, r Report) error
	Report(ctx context.Context, id uuid.UUID) (Report, error)
	Close() error
}

// MemoryStore keeps incidents in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[uuid.UUID]*Incident
	reports   map[uuid.UUID]Report
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: make(map[uuid.UUID]*Incident),
		reports:   make(map[uuid.UUID]Report),
	}
}

func (s *MemoryStore) Create(_ context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inc.Clone(), nil
}

// List returns matching incidents, newest first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Incident, error) {
	s.mu.RLock()
	var results []*Incident
	for _, inc := range s.incidents {
		if f.matches(inc) {
			results = append(results, inc.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID.String() < results[j].ID.String()
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(results) {
			return []*Incident{}, nil
		}
		results = results[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(results) {
		results = results[:f.Limit]
	}
	return results, nil
}

func (s *MemoryStore) Update(_ context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[inc.ID]; !ok {
		return ErrNotFound
	}
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

func (s *MemoryStore) SaveReport(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[r.IncidentID]; !ok {
		return ErrNotFound
	}
	s.reports[r.IncidentID] = r
	return nil
}

func (s *MemoryStore) Report(_ context.Context, id uuid.UUID) (Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return Report{}, ErrReportNotFound
	}
	return r, nil
}

func (s *MemoryStore) Close() error { return nil }
