package response

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Quarantine records a quarantined device.
type Quarantine struct {
	DeviceID      string    `json:"device_id"`
	IP            string    `json:"ip"`
	IncidentID    uuid.UUID `json:"incident_id"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Isolation records a process marked for isolation.
type Isolation struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name,omitempty"`
	IncidentID uuid.UUID `json:"incident_id"`
	Reason     string    `json:"reason"`
	IsolatedAt time.Time `json:"isolated_at"`
}

// StateStore records containment state.
type StateStore interface {
	Quarantine(ctx context.Context, q Quarantine) error
	Quarantined(ctx context.Context) ([]Quarantine, error)
	IsQuarantined(ctx context.Context, deviceID string) (bool, error)
	RevokeSession(ctx context.Context, userID string) error
	Revoked(ctx context.Context, userID string) (bool, error)
	Isolate(ctx context.Context, iso Isolation) error
	Isolated(ctx context.Context) ([]Isolation, error)
	Close() error
}

// MemoryStateStore keeps containment state in process memory.
type MemoryStateStore struct {
	mu          sync.RWMutex
	quarantined map[string]Quarantine
	revoked     map[string]struct{}
	isolated    map[int32]Isolation
}

// NewMemoryStateStore creates an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		quarantined: make(map[string]Quarantine),
		revoked:     make(map[string]struct{}),
		isolated:    make(map[int32]Isolation),
	}
}

func (s *MemoryStateStore) Quarantine(_ context.Context, q Quarantine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[q.DeviceID] = q
	return nil
}

func (s *MemoryStateStore) Quarantined(_ context.Context) ([]Quarantine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Quarantine, 0, len(s.quarantined))
	for _, q := range s.quarantined {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryStateStore) IsQuarantined(_ context.Context, deviceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.quarantined[deviceID]
	return ok, nil
}

func (s *MemoryStateStore) RevokeSession(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[userID] = struct{}{}
	return nil
}

func (s *MemoryStateStore) Revoked(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[userID]
	return ok, nil
}

func (s *MemoryStateStore) Isolate(_ context.Context, iso Isolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isolated[iso.PID] = iso
	return nil
}

func (s *MemoryStateStore) Isolated(_ context.Context) ([]Isolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Isolation, 0, len(s.isolated))
	for _, iso := range s.isolated {
		out = append(out, iso)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (s *MemoryStateStore) Close() error { return nil }

// Redis key layout.
const (
	keyQuarantined = "arc:response:quarantined"
	keyRevoked     = "arc:response:revoked"
	keyIsolated    = "arc:response:isolated"
)

// RedisStateStore keeps containment state in Redis hashes and sets so it is
// shared between instances.
type RedisStateStore struct {
	client RedisClient
}

// NewRedisStateStore creates a RedisStateStore.
func NewRedisStateStore(client RedisClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Quarantine(ctx context.Context, q Quarantine) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, keyQuarantined, q.DeviceID, data); err != nil {
		return fmt.Errorf("failed to record quarantine: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Quarantined(ctx context.Context) ([]Quarantine, error) {
	all, err := s.client.HGetAll(ctx, keyQuarantined)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined devices: %w", err)
	}
	out := make([]Quarantine, 0, len(all))
	for _, raw := range all {
		var q Quarantine
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *RedisStateStore) IsQuarantined(ctx context.Context, deviceID string) (bool, error) {
	return s.client.HExists(ctx, keyQuarantined, deviceID)
}

func (s *RedisStateStore) RevokeSession(ctx context.Context, userID string) error {
	if err := s.client.SAdd(ctx, keyRevoked, userID); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Revoked(ctx context.Context, userID string) (bool, error) {
	return s.client.SIsMember(ctx, keyRevoked, userID)
}

func (s *RedisStateStore) Isolate(ctx context.Context, iso Isolation) error {
	data, err := json.Marshal(iso)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, keyIsolated, fmt.Sprint(iso.PID), data); err != nil {
		return fmt.Errorf("failed to record isolation: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Isolated(ctx context.Context) ([]Isolation, error) {
	all, err := s.client.HGetAll(ctx, keyIsolated)
	if err != nil {
		return nil, fmt.Errorf("failed to list isolated processes: %w", err)
	}
	out := make([]Isolation, 0, len(all))
	for _, raw := range all {
		var iso Isolation
		if err := json.Unmarshal([]byte(raw), &iso); err != nil {
			return nil, err
		}
		out = append(out, iso)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
