package response

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"arc-sentinel/internal/detection"
	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/schema"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIncident(class string, sev schema.Severity) *incident.Incident {
	return &incident.Incident{
		ID:             uuid.New(),
		Classification: class,
		Severity:       sev,
		SourceIP:       "10.0.0.66",
		DestIP:         "45.33.32.156",
	}
}

func newEvent(payload schema.Payload) *schema.Event {
	return &schema.Event{ID: uuid.New(), Payload: payload}
}

func kinds(ds []Directive) []Kind {
	out := make([]Kind, len(ds))
	for i, d := range ds {
		out[i] = d.Kind
	}
	return out
}

func TestPlanner_Plan(t *testing.T) {
	tests := []struct {
		name    string
		class   string
		sev     schema.Severity
		payload schema.Payload
		want    []Kind
	}{
		{"critical malware with pid", detection.ClassMalware, schema.SeverityCritical, schema.Payload{"pid": 4242.0}, []Kind{KindEscalate, KindIsolateProcess}},
		{"malware without pid", detection.ClassMalware, schema.SeverityCritical, schema.Payload{}, []Kind{KindEscalate}},
		{"malware with pid beyond int32", detection.ClassMalware, schema.SeverityCritical, schema.Payload{"pid": 4294967297.0}, []Kind{KindEscalate}},
		{"bruteforce", detection.ClassBruteForce, schema.SeverityHigh, schema.Payload{}, []Kind{KindQuarantineDevice}},
		{"privilege escalation", detection.ClassPrivilegeEscalation, schema.SeverityCritical, schema.Payload{"username": "eve"}, []Kind{KindEscalate, KindRevokeSession}},
		{"malicious traffic", detection.ClassMaliciousTraffic, schema.SeverityCritical, schema.Payload{}, []Kind{KindEscalate, KindQuarantineDevice}},
		{"model only critical", detection.ClassMLAnomaly, schema.SeverityCritical, schema.Payload{}, []Kind{KindEscalate}},
		{"port scan medium", detection.ClassPortScan, schema.SeverityMedium, schema.Payload{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlanner(DefaultPlannerConfig())
			got := p.Plan(newIncident(tt.class, tt.sev), newEvent(tt.payload))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, kinds(got))
		})
	}
}

func TestPlanner_Targets(t *testing.T) {
	p := NewPlanner(DefaultPlannerConfig())

	ds := p.Plan(newIncident(detection.ClassBruteForce, schema.SeverityHigh), newEvent(nil))
	require.Len(t, ds, 1)
	assert.Equal(t, "device_10.0.0.66", ds[0].DeviceID)
	assert.Equal(t, "10.0.0.66", ds[0].IP)

	ds = p.Plan(newIncident(detection.ClassMaliciousTraffic, schema.SeverityHigh), newEvent(nil))
	require.Len(t, ds, 1)
	assert.Equal(t, "device_45.33.32.156", ds[0].DeviceID)

	ds = p.Plan(newIncident(detection.ClassPrivilegeEscalation, schema.SeverityHigh), newEvent(nil))
	require.Len(t, ds, 1)
	assert.Equal(t, "unknown", ds[0].UserID)
}

func TestPlanner_DedupesTargets(t *testing.T) {
	p := NewPlanner(PlannerConfig{DedupeTTL: time.Hour, DedupeSize: 16})

	first := p.Plan(newIncident(detection.ClassBruteForce, schema.SeverityCritical), newEvent(nil))
	assert.Equal(t, []Kind{KindEscalate, KindQuarantineDevice}, kinds(first))

	// same source again: escalation repeats, quarantine does not
	second := p.Plan(newIncident(detection.ClassBruteForce, schema.SeverityCritical), newEvent(nil))
	assert.Equal(t, []Kind{KindEscalate}, kinds(second))
}

func TestPlanner_DedupeExpires(t *testing.T) {
	p := NewPlanner(PlannerConfig{DedupeTTL: 20 * time.Millisecond, DedupeSize: 16})
	inc := newIncident(detection.ClassBruteForce, schema.SeverityHigh)

	require.Len(t, p.Plan(inc, newEvent(nil)), 1)
	require.Empty(t, p.Plan(inc, newEvent(nil)))
	assert.Eventually(t, func() bool {
		return len(p.Plan(inc, newEvent(nil))) == 1
	}, time.Second, 10*time.Millisecond)
}

type fakeProbe struct {
	procs map[int32]ProcessInfo
	err   error
}

func (f fakeProbe) Lookup(_ context.Context, pid int32) (ProcessInfo, error) {
	if f.err != nil {
		return ProcessInfo{}, f.err
	}
	info, ok := f.procs[pid]
	if !ok {
		return ProcessInfo{}, ErrProcessNotFound
	}
	return info, nil
}

type recordingEscalator struct {
	mu   sync.Mutex
	seen []Directive
	err  error
}

func (r *recordingEscalator) Escalate(_ context.Context, d Directive) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, d)
	return r.err
}

func TestExecutor_Execute(t *testing.T) {
	ctx := context.Background()
	state := NewMemoryStateStore()
	esc := &recordingEscalator{}
	probe := fakeProbe{procs: map[int32]ProcessInfo{4242: {PID: 4242, Name: "mimikatz", Status: "running"}}}
	log := NewActionLog(10)
	x := NewExecutor(probe, state, esc, log)
	incID := uuid.New()

	a := x.Execute(ctx, Directive{Kind: KindIsolateProcess, IncidentID: incID, PID: 4242, Reason: "malware detected"})
	assert.Equal(t, StatusSuccess, a.Status)
	assert.Equal(t, "mimikatz", a.ProcessName)
	assert.Equal(t, "running", a.ProcessStatus)
	isolated, err := state.Isolated(ctx)
	require.NoError(t, err)
	require.Len(t, isolated, 1)
	assert.Equal(t, int32(4242), isolated[0].PID)

	a = x.Execute(ctx, Directive{Kind: KindIsolateProcess, IncidentID: incID, PID: 9})
	assert.Equal(t, StatusNotFound, a.Status)

	a = x.Execute(ctx, Directive{Kind: KindQuarantineDevice, IncidentID: incID, DeviceID: "device_10.0.0.66", IP: "10.0.0.66"})
	assert.Equal(t, StatusQuarantined, a.Status)
	ok, err := state.IsQuarantined(ctx, "device_10.0.0.66")
	require.NoError(t, err)
	assert.True(t, ok)

	a = x.Execute(ctx, Directive{Kind: KindRevokeSession, IncidentID: incID, UserID: "eve"})
	assert.Equal(t, StatusRevoked, a.Status)
	ok, err = state.Revoked(ctx, "eve")
	require.NoError(t, err)
	assert.True(t, ok)

	a = x.Execute(ctx, Directive{Kind: KindEscalate, IncidentID: incID, Threat: "malware"})
	assert.Equal(t, StatusEscalated, a.Status)
	assert.Len(t, esc.seen, 1)

	a = x.Execute(ctx, Directive{Kind: "reboot_planet", IncidentID: incID})
	assert.Equal(t, StatusError, a.Status)

	assert.Equal(t, 6, log.Len())
	assert.Len(t, log.Recent(incID, 0), 6)
	assert.Empty(t, log.Recent(uuid.New(), 0))
}

func TestExecutor_Failures(t *testing.T) {
	ctx := context.Background()
	x := NewExecutor(fakeProbe{err: errors.New("permission denied")}, NewMemoryStateStore(),
		&recordingEscalator{err: errors.New("broker down")}, NewActionLog(10))

	a := x.Execute(ctx, Directive{Kind: KindIsolateProcess, PID: 1})
	assert.Equal(t, StatusError, a.Status)
	assert.Contains(t, a.Error, "permission denied")

	a = x.Execute(ctx, Directive{Kind: KindEscalate})
	assert.Equal(t, StatusError, a.Status)
	assert.Contains(t, a.Error, "broker down")
}

func TestActionLog_Bounded(t *testing.T) {
	log := NewActionLog(3)
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		log.Append(Action{ID: ids[i]})
	}
	assert.Equal(t, 3, log.Len())

	recent := log.Recent(uuid.Nil, 2)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[3], recent[0].ID, "oldest first")
	assert.Equal(t, ids[4], recent[1].ID)
}

// mockRedis implements RedisClient in memory.
type mockRedis struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	closed bool
}

func newMockRedis() *mockRedis {
	return &mockRedis{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (m *mockRedis) HSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	m.hashes[key][field] = string(value)
	return nil
}

func (m *mockRedis) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *mockRedis) HExists(_ context.Context, key, field string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.hashes[key][field]
	return ok, nil
}

func (m *mockRedis) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	for _, mem := range members {
		m.sets[key][mem] = struct{}{}
	}
	return nil
}

func (m *mockRedis) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *mockRedis) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestRedisStateStore(t *testing.T) {
	ctx := context.Background()
	client := newMockRedis()
	store := NewRedisStateStore(client)
	incID := uuid.New()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Quarantine(ctx, Quarantine{DeviceID: "device_b", IP: "10.0.0.2", IncidentID: incID, QuarantinedAt: at}))
	require.NoError(t, store.Quarantine(ctx, Quarantine{DeviceID: "device_a", IP: "10.0.0.1", IncidentID: incID, QuarantinedAt: at}))
	list, err := store.Quarantined(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "device_a", list[0].DeviceID)
	assert.Equal(t, incID, list[0].IncidentID)
	assert.True(t, list[0].QuarantinedAt.Equal(at))

	ok, err := store.IsQuarantined(ctx, "device_b")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.RevokeSession(ctx, "eve"))
	ok, err = store.Revoked(ctx, "eve")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Revoked(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Isolate(ctx, Isolation{PID: 77, Name: "keylogger", IncidentID: incID}))
	isolated, err := store.Isolated(ctx)
	require.NoError(t, err)
	require.Len(t, isolated, 1)
	assert.Equal(t, "keylogger", isolated[0].Name)

	require.NoError(t, store.Close())
	assert.True(t, client.closed)
}
