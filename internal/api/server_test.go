package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-sentinel/internal/anomaly"
	"arc-sentinel/internal/config"
	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/ingest"
	"arc-sentinel/internal/metrics"
	"arc-sentinel/internal/notify"
	"arc-sentinel/internal/pipeline"
	"arc-sentinel/internal/queue"
	"arc-sentinel/internal/response"
	"arc-sentinel/internal/routing"
	"arc-sentinel/internal/schema"
	"arc-sentinel/internal/storage"
	"arc-sentinel/internal/summarize"
)

type fakeTrainer struct {
	res   *pipeline.TrainResult
	err   error
	calls int
}

func (f *fakeTrainer) Train(context.Context) (*pipeline.TrainResult, error) {
	f.calls++
	return f.res, f.err
}

type fakeProbe map[int32]string

func (f fakeProbe) Lookup(_ context.Context, pid int32) (response.ProcessInfo, error) {
	name, ok := f[pid]
	if !ok {
		return response.ProcessInfo{}, response.ErrProcessNotFound
	}
	return response.ProcessInfo{PID: pid, Name: name, Status: "S"}, nil
}

type recorder struct{ msgs []notify.Message }

func (r *recorder) Broadcast(_ context.Context, m notify.Message) { r.msgs = append(r.msgs, m) }

type testServer struct {
	srv       *Server
	handler   http.Handler
	cfg       *config.Config
	events    *storage.MemoryStore
	queue     *queue.Partitioned
	incidents *incident.Manager
	actions   *response.ActionLog
	state     *response.MemoryStateStore
	trainer   *fakeTrainer
	hub       *notify.Hub
	notes     *recorder
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RateLimit.Enabled = false
	for _, fn := range mutate {
		fn(cfg)
	}

	ts := &testServer{
		cfg:       cfg,
		events:    storage.NewMemoryStore(),
		queue:     queue.NewPartitioned(queue.Config{Size: 100, Partitions: 2}),
		incidents: incident.NewManager(incident.DefaultManagerConfig(), incident.NewMemoryStore()),
		actions:   response.NewActionLog(100),
		state:     response.NewMemoryStateStore(),
		trainer:   &fakeTrainer{},
		hub:       notify.NewHub(8),
		notes:     &recorder{},
	}
	m := metrics.New()
	srv, err := New(Deps{
		Events:     ts.events,
		Intake:     ingest.NewIntake(nil, ts.queue, m),
		Detector:   anomaly.NewDetector(anomaly.DefaultTrainConfig()),
		Trainer:    ts.trainer,
		Incidents:  ts.incidents,
		Actions:    ts.actions,
		Executor:   response.NewExecutor(fakeProbe{4242: "cryptominer"}, ts.state, nil, ts.actions),
		State:      ts.state,
		Summarizer: summarize.New(summarize.DefaultConfig()),
		Hub:        ts.hub,
		Notifier:   ts.notes,
		Metrics:    m,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	ts.srv = srv
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) openIncident(t *testing.T, sev schema.Severity) *incident.Incident {
	t.Helper()
	e := &schema.Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Type:      "login_failure",
		Severity:  sev,
		SourceIP:  "10.0.0.5",
	}
	inc, outcome, err := ts.incidents.Open(context.Background(), incident.OpenRequest{
		Event:    e,
		Decision: routing.Decision{Tier: routing.TierReview, CreateIncident: true, Severity: sev, ModelOnly: true},
	})
	require.NoError(t, err)
	require.Equal(t, incident.Created, outcome)
	return inc
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, config.DefaultConfig())
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["model_trained"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/health", "")
	rec := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `arc_http_requests_total{code="200",route="GET /health"}`)
}

func TestIngestAndListEvents(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC().Format(time.RFC3339)
	body := `{"events":[{"timestamp":"` + now + `","event_type":"login_failure","severity":"low","source_ip":"10.0.0.1"}]}`

	rec := ts.do(t, http.MethodPost, "/v1/events", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 1, ts.queue.Len())

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		typ := "login_failure"
		if i%2 == 1 {
			typ = "login_success"
		}
		require.NoError(t, ts.events.Insert(context.Background(), &schema.Event{
			ID: uuid.New(), Timestamp: base.Add(time.Duration(i) * time.Minute),
			Type: typ, Severity: schema.SeverityLow, SourceIP: "10.0.0.1",
		}))
	}

	rec = ts.do(t, http.MethodGet, "/v1/events?type=login_failure&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[EventsResponse](t, rec)
	require.Equal(t, 2, list.Count)
	assert.True(t, list.Events[0].Timestamp.After(list.Events[1].Timestamp), "newest first by default")

	rec = ts.do(t, http.MethodGet, "/v1/events?order=asc", "")
	list = decode[EventsResponse](t, rec)
	require.Equal(t, 5, list.Count)
	assert.True(t, list.Events[0].Timestamp.Equal(base))
}

func TestListEvents_BadQuery(t *testing.T) {
	ts := newTestServer(t)
	for _, q := range []string{"limit=0", "limit=x", "start=yesterday", "start=2024-01-02T00:00:00Z&end=2024-01-01T00:00:00Z"} {
		rec := ts.do(t, http.MethodGet, "/v1/events?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "BAD_REQUEST", decode[APIError](t, rec).Code, q)
	}
}

func TestModelEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/model", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ModelResponse](t, rec).Trained)

	ts.trainer.err = &anomaly.InsufficientDataError{Have: 3, Need: 10}
	rec = ts.do(t, http.MethodPost, "/v1/model/train", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[APIError](t, rec).Message, "insufficient training data")

	ts.trainer.err = nil
	ts.trainer.res = &pipeline.TrainResult{Samples: 42}
	rec = ts.do(t, http.MethodPost, "/v1/model/train", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 42, decode[pipeline.TrainResult](t, rec).Samples)
	assert.Equal(t, 2, ts.trainer.calls)
}

func TestIncidentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	inc := ts.openIncident(t, schema.SeverityHigh)
	base := "/v1/incidents/" + inc.ID.String()

	rec := ts.do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, incident.StatusOpen, decode[incident.Incident](t, rec).Status)

	rec = ts.do(t, http.MethodPost, base+"/investigate", `{"by":"analyst"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[incident.Incident](t, rec)
	assert.Equal(t, incident.StatusInvestigating, got.Status)
	assert.Equal(t, "analyst", got.InvestigatedBy)

	rec = ts.do(t, http.MethodPost, base+"/investigate", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, base+"/resolve", `{"by":"analyst","notes":"false positive"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[incident.Incident](t, rec)
	assert.Equal(t, incident.StatusResolved, got.Status)
	assert.NotNil(t, got.ResolvedAt)
	assert.Equal(t, "false positive", got.Resolution)

	require.Len(t, ts.notes.msgs, 2)
	for _, m := range ts.notes.msgs {
		assert.Equal(t, notify.TypeIncidentUpdated, m.Type)
	}
}

func TestIncidentErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/incidents/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/incidents/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[APIError](t, rec).Code)

	inc := ts.openIncident(t, schema.SeverityMedium)
	rec = ts.do(t, http.MethodPost, "/v1/incidents/"+inc.ID.String()+"/resolve", `{"unexpected":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/incidents/"+inc.ID.String()+"/report", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListIncidents(t *testing.T) {
	ts := newTestServer(t)
	ts.openIncident(t, schema.SeverityHigh)
	ts.openIncident(t, schema.SeverityLow)
	ts.openIncident(t, schema.SeverityHigh)

	rec := ts.do(t, http.MethodGet, "/v1/incidents?severity=HIGH", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[IncidentsResponse](t, rec).Count)

	rec = ts.do(t, http.MethodGet, "/v1/incidents?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/incidents/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[incident.Stats](t, rec)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.BySeverity["high"])
}

func TestNotesReportAndSummary(t *testing.T) {
	ts := newTestServer(t)
	inc := ts.openIncident(t, schema.SeverityHigh)
	base := "/v1/incidents/" + inc.ID.String()

	rec := ts.do(t, http.MethodPost, base+"/notes", `{"author":"a","content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPost, base+"/notes", `{"author":"a","content":"checked VPN logs"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, decode[incident.Incident](t, rec).Notes, 1)

	rec = ts.do(t, http.MethodPost, base+"/summary", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[SummaryResponse](t, rec)
	assert.NotEmpty(t, sum.Summary)

	require.NoError(t, ts.incidents.AttachReport(context.Background(), inc.ID, map[string]any{
		"incident_id": inc.ID,
		"connections": 7,
	}))
	rec = ts.do(t, http.MethodGet, base+"/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connections":7`)

	rec = ts.do(t, http.MethodPost, base+"/summary", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := ts.incidents.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, decode[SummaryResponse](t, rec).Summary, stored.Summary)
}

func TestResponses(t *testing.T) {
	ts := newTestServer(t)
	incA, incB := uuid.New(), uuid.New()
	ts.actions.Append(response.Action{ID: uuid.New(), Kind: response.KindEscalate, IncidentID: incA})
	ts.actions.Append(response.Action{ID: uuid.New(), Kind: response.KindIsolateProcess, IncidentID: incA})
	ts.actions.Append(response.Action{ID: uuid.New(), Kind: response.KindEscalate, IncidentID: incB})

	rec := ts.do(t, http.MethodGet, "/v1/responses", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[ActionsResponse](t, rec).Count)

	rec = ts.do(t, http.MethodGet, "/v1/responses?incident_id="+incA.String(), "")
	list := decode[ActionsResponse](t, rec)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, response.KindEscalate, list.Actions[0].Kind)

	rec = ts.do(t, http.MethodGet, "/v1/responses?incident_id=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, ts.state.Quarantine(context.Background(), response.Quarantine{DeviceID: "device_10.0.0.5", IP: "10.0.0.5", IncidentID: incA}))
	rec = ts.do(t, http.MethodGet, "/v1/responses/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[StateResponse](t, rec)
	require.Len(t, state.Quarantined, 1)
	assert.Equal(t, "device_10.0.0.5", state.Quarantined[0].DeviceID)
	assert.Empty(t, state.Isolated)
}

func TestManualActions(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	inc := ts.openIncident(t, schema.SeverityHigh)

	rec := ts.do(t, http.MethodPost, "/v1/responses/isolate_process",
		`{"pid":4242,"incident_id":"`+inc.ID.String()+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	a := decode[response.Action](t, rec)
	assert.Equal(t, response.StatusSuccess, a.Status)
	assert.Equal(t, "cryptominer", a.ProcessName)
	assert.Equal(t, inc.ID, a.IncidentID)
	iso, err := ts.state.Isolated(ctx)
	require.NoError(t, err)
	require.Len(t, iso, 1)
	assert.Equal(t, int32(4242), iso[0].PID)

	rec = ts.do(t, http.MethodPost, "/v1/responses/isolate_process", `{"pid":7}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, response.StatusNotFound, decode[response.Action](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/v1/responses/quarantine_device", `{"ip":"10.0.0.9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, response.StatusQuarantined, decode[response.Action](t, rec).Status)
	ok, err := ts.state.IsQuarantined(ctx, "device_10.0.0.9")
	require.NoError(t, err)
	assert.True(t, ok)

	rec = ts.do(t, http.MethodPost, "/v1/responses/revoke_session", `{"user_id":"mallory","reason":"shared credentials"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, response.StatusRevoked, decode[response.Action](t, rec).Status)
	revoked, err := ts.state.Revoked(ctx, "mallory")
	require.NoError(t, err)
	assert.True(t, revoked)

	assert.Equal(t, 4, ts.actions.Len())
}

func TestManualActions_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name, path, body string
		want             int
	}{
		{"unknown kind", "/v1/responses/reboot_host", `{}`, http.StatusBadRequest},
		{"missing pid", "/v1/responses/isolate_process", `{}`, http.StatusBadRequest},
		{"pid beyond int32", "/v1/responses/isolate_process", `{"pid":4294967296}`, http.StatusBadRequest},
		{"missing device", "/v1/responses/quarantine_device", `{}`, http.StatusBadRequest},
		{"missing user", "/v1/responses/revoke_session", `{}`, http.StatusBadRequest},
		{"escalate without incident", "/v1/responses/escalate_notification", `{}`, http.StatusBadRequest},
		{"unknown incident", "/v1/responses/revoke_session", `{"user_id":"u","incident_id":"` + uuid.NewString() + `"}`, http.StatusNotFound},
		{"unknown field", "/v1/responses/revoke_session", `{"user":"u"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Zero(t, ts.actions.Len(), "rejected requests must not execute")
}

func TestManualBatch(t *testing.T) {
	ts := newTestServer(t)
	inc := ts.openIncident(t, schema.SeverityCritical)

	body := `{"actions":[
		{"kind":"escalate_notification","incident_id":"` + inc.ID.String() + `"},
		{"kind":"quarantine_device","device_id":"laptop-12","ip":"10.0.0.5"}
	]}`
	rec := ts.do(t, http.MethodPost, "/v1/responses", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[ActionsResponse](t, rec)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, response.KindEscalate, list.Actions[0].Kind)
	assert.Equal(t, response.StatusEscalated, list.Actions[0].Status)
	assert.Equal(t, "laptop-12", list.Actions[1].DeviceID)

	// One invalid entry rejects the whole batch.
	rec = ts.do(t, http.MethodPost, "/v1/responses",
		`{"actions":[{"kind":"revoke_session","user_id":"u"},{"kind":"isolate_process"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "actions[1]")
	assert.Equal(t, 2, ts.actions.Len())

	rec = ts.do(t, http.MethodPost, "/v1/responses", `{"actions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKeys = []string{"secret-key"}
	})

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/incidents", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/incidents", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimited(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.RequestsPerIP = 2
		c.RateLimit.BurstSize = 0
		c.RateLimit.CleanupPeriod = 0
	})
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/incidents", "").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/v1/incidents", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "").Code)
}

func TestStream(t *testing.T) {
	ts := newTestServer(t)
	server := httptest.NewServer(ts.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	inc := ts.openIncident(t, schema.SeverityCritical)
	require.NoError(t, ts.hub.Send(ctx, notify.CriticalAlert(inc)))

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(line)
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	assert.Equal(t, "event: critical_alert", eventLine)

	var msg notify.Message
	require.NoError(t, json.Unmarshal([]byte(dataLine), &msg))
	assert.Equal(t, inc.ID.String(), msg.Key)
}
