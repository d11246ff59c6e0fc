package forensics

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/schema"
	"arc-sentinel/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	procs   []ProcessSnapshot
	hostErr error
}

func (f *fakeSource) Host(context.Context) (HostInfo, error) {
	if f.hostErr != nil {
		return HostInfo{}, f.hostErr
	}
	return HostInfo{Hostname: "soc-01", CPUCount: 4}, nil
}

func (f *fakeSource) Processes(context.Context) ([]ProcessSnapshot, error) {
	return f.procs, nil
}

func (f *fakeSource) Process(_ context.Context, pid int32) (ProcessSnapshot, error) {
	for _, p := range f.procs {
		if p.PID == pid {
			return p, nil
		}
	}
	return ProcessSnapshot{}, errors.New("no such process")
}

func (f *fakeSource) Connections(context.Context) (int, error) { return 42, nil }

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *storage.MemoryStore, src string, offsets ...time.Duration) {
	t.Helper()
	for _, off := range offsets {
		require.NoError(t, store.Insert(context.Background(), &schema.Event{
			ID:        uuid.New(),
			Timestamp: base.Add(off),
			Type:      "login_failure",
			Severity:  schema.SeverityMedium,
			SourceIP:  src,
		}))
	}
}

func TestCollect(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, "10.0.0.5", -20*time.Minute, -5*time.Minute, -time.Minute, 0, time.Minute)
	seed(t, store, "10.0.0.6", -time.Minute)

	src := &fakeSource{procs: []ProcessSnapshot{
		{PID: 1, Name: "init", CPUPercent: 0.1},
		{PID: 200, Name: "miner", CPUPercent: 97},
		{PID: 300, Name: "sshd", CPUPercent: 2},
	}}
	c := NewCollector(Config{TopProcesses: 2, TimelineWindow: 10 * time.Minute, TimelineLimit: 50}, src, store)

	inc := &incident.Incident{ID: uuid.New(), SourceIP: "10.0.0.5", CreatedAt: base}
	r := c.Collect(context.Background(), inc, 200)

	assert.Empty(t, r.Errors)
	assert.Equal(t, inc.ID, r.IncidentID)
	assert.Equal(t, "soc-01", r.Host.Hostname)
	assert.Equal(t, 42, r.Connections)

	require.Len(t, r.TopProcesses, 2)
	assert.Equal(t, "miner", r.TopProcesses[0].Name)
	assert.Equal(t, "sshd", r.TopProcesses[1].Name)
	require.NotNil(t, r.Suspect)
	assert.Equal(t, int32(200), r.Suspect.PID)

	// window [-10m, 0] for the source only, oldest first
	require.Len(t, r.Timeline, 3)
	assert.Equal(t, base.Add(-5*time.Minute), r.Timeline[0].Timestamp)
	assert.Equal(t, base, r.Timeline[2].Timestamp)

	require.Len(t, r.Artifacts, 4)
	for _, a := range r.Artifacts {
		assert.Len(t, a.Hash, 64)
		assert.Positive(t, a.Size)
	}
}

func TestCollectDegrades(t *testing.T) {
	src := &fakeSource{hostErr: errors.New("permission denied")}
	c := NewCollector(DefaultConfig(), src, nil)

	r := c.Collect(context.Background(), &incident.Incident{ID: uuid.New(), CreatedAt: base}, 999)

	assert.Len(t, r.Errors, 2)
	assert.Contains(t, r.Errors[0], "host: permission denied")
	assert.Contains(t, r.Errors[1], "suspect_process")
	assert.Nil(t, r.Suspect)
	assert.Empty(t, r.Timeline)
	assert.Equal(t, 42, r.Connections)
}

func TestCollectWithoutSource(t *testing.T) {
	r := NewCollector(DefaultConfig(), nil, nil).Collect(context.Background(), &incident.Incident{ID: uuid.New()}, 0)
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.Artifacts)
}

func TestSystemSourceSelf(t *testing.T) {
	p, err := SystemSource{}.Process(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.NotEmpty(t, p.Name)
}
