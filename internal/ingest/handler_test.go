package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"arc-sentinel/internal/metrics"
	"arc-sentinel/internal/queue"
	"arc-sentinel/internal/schema"
)

func eventJSON(eventType, sourceIP string) string {
	return fmt.Sprintf(`{"timestamp":%q,"event_type":%q,"severity":"low","source_ip":%q}`,
		time.Now().UTC().Format(time.RFC3339), eventType, sourceIP)
}

func batch(events ...string) string {
	return `{"events":[` + strings.Join(events, ",") + `]}`
}

func newEvent(sourceIP string) *schema.Event {
	return &schema.Event{Type: "login_failure", Severity: schema.SeverityLow, SourceIP: sourceIP}
}

func newTestHandler(size int) (*Handler, *queue.Partitioned, *metrics.Metrics) {
	q := queue.NewPartitioned(queue.Config{Size: size, Partitions: 1})
	m := metrics.New()
	return NewHandler(NewIntake(nil, q, m)), q, m
}

func post(h *Handler, body string) (*httptest.ResponseRecorder, IngestResponse) {
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandleEvents(rec, req)

	var resp IngestResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestHandleEvents(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantAccepted int
		wantRejected int
	}{
		{
			name:         "single valid event",
			body:         batch(eventJSON("login_failure", "10.0.0.1")),
			wantStatus:   http.StatusAccepted,
			wantAccepted: 1,
		},
		{
			name: "batch",
			body: batch(
				eventJSON("login_failure", "10.0.0.1"),
				eventJSON("login_success", "10.0.0.2"),
				eventJSON("process_start", "10.0.0.3"),
			),
			wantStatus:   http.StatusAccepted,
			wantAccepted: 3,
		},
		{
			name:         "partial success",
			body:         batch(eventJSON("login_failure", "10.0.0.1"), eventJSON("Not A Type!", "10.0.0.1")),
			wantStatus:   http.StatusMultiStatus,
			wantAccepted: 1,
			wantRejected: 1,
		},
		{
			name:         "all invalid",
			body:         batch(eventJSON("login_failure", "")),
			wantStatus:   http.StatusBadRequest,
			wantRejected: 1,
		},
		{
			name:         "undecodable event",
			body:         batch(`{"event_type":"login_failure","severity":5}`, eventJSON("login_failure", "10.0.0.1")),
			wantStatus:   http.StatusMultiStatus,
			wantAccepted: 1,
			wantRejected: 1,
		},
		{
			name:       "empty batch",
			body:       `{"events":[]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed JSON",
			body:       `{"events":[oops`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandler(100)
			rec, resp := post(h, tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if resp.Accepted != tt.wantAccepted {
				t.Errorf("Accepted = %d, want %d", resp.Accepted, tt.wantAccepted)
			}
			if resp.Rejected != tt.wantRejected {
				t.Errorf("Rejected = %d, want %d", resp.Rejected, tt.wantRejected)
			}
			if len(resp.Errors) != tt.wantRejected {
				t.Errorf("len(Errors) = %d, want %d", len(resp.Errors), tt.wantRejected)
			}
		})
	}
}

func TestHandleEvents_ErrorIndex(t *testing.T) {
	h, _, _ := newTestHandler(100)
	_, resp := post(h, batch(
		eventJSON("login_failure", "10.0.0.1"),
		eventJSON("login_failure", "10.0.0.1"),
		eventJSON("bad type", "10.0.0.1"),
	))

	if len(resp.Errors) != 1 || resp.Errors[0].Index != 2 {
		t.Fatalf("errors = %+v, want one error at index 2", resp.Errors)
	}
	if !strings.Contains(resp.Errors[0].Error, "invalid event") {
		t.Errorf("error = %q", resp.Errors[0].Error)
	}
}

func TestHandleEvents_Enqueues(t *testing.T) {
	h, q, m := newTestHandler(100)
	post(h, batch(eventJSON("login_failure", " 10.0.0.1 "), eventJSON("LOGIN_SUCCESS", "10.0.0.1")))

	if q.Len() != 2 {
		t.Fatalf("queue length = %d, want 2", q.Len())
	}
	e, err := q.Partition(0).Pop()
	if err != nil {
		t.Fatal(err)
	}
	if e.SourceIP != "10.0.0.1" {
		t.Errorf("SourceIP = %q, want trimmed", e.SourceIP)
	}
	if e.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}
	if got := testutil.ToFloat64(m.EventsIngested.WithLabelValues(TransportHTTP, "accepted")); got != 2 {
		t.Errorf("accepted metric = %v, want 2", got)
	}
}

func TestHandleEvents_QueueFull(t *testing.T) {
	h, _, m := newTestHandler(1)

	rec, resp := post(h, batch(eventJSON("login_failure", "10.0.0.1"), eventJSON("login_failure", "10.0.0.1")))
	if rec.Code != http.StatusMultiStatus || resp.Accepted != 1 {
		t.Fatalf("status = %d accepted = %d", rec.Code, resp.Accepted)
	}

	rec, _ = post(h, batch(eventJSON("login_failure", "10.0.0.1")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if got := testutil.ToFloat64(m.EventsIngested.WithLabelValues(TransportHTTP, "dropped")); got != 2 {
		t.Errorf("dropped metric = %v, want 2", got)
	}
}

func TestHandleEvents_Limits(t *testing.T) {
	h, _, _ := newTestHandler(100)
	h.WithMaxBatch(2).WithMaxPayload(512)

	rec, _ := post(h, batch(
		eventJSON("login_failure", "10.0.0.1"),
		eventJSON("login_failure", "10.0.0.1"),
		eventJSON("login_failure", "10.0.0.1"),
	))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("oversized batch status = %d, want 400", rec.Code)
	}

	big := batch(fmt.Sprintf(`{"event_type":"login_failure","source_ip":"10.0.0.1","payload":{"pad":%q}}`, strings.Repeat("x", 1024)))
	rec, _ = post(h, big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d, want 413", rec.Code)
	}
}

func TestIntake_HandleKafka(t *testing.T) {
	q := queue.NewPartitioned(queue.Config{Size: 1, Partitions: 1})
	in := NewIntake(nil, q, nil)

	if err := in.HandleKafka(t.Context(), newEvent("")); err != nil {
		t.Errorf("invalid event should be skipped, got %v", err)
	}
	if err := in.HandleKafka(t.Context(), newEvent("10.0.0.1")); err != nil {
		t.Fatalf("valid event: %v", err)
	}
	if err := in.HandleKafka(t.Context(), newEvent("10.0.0.1")); err != queue.ErrQueueFull {
		t.Errorf("full queue error = %v, want ErrQueueFull", err)
	}

	s := in.Stats()
	if s.Accepted != 1 || s.Rejected != 1 || s.Dropped != 1 {
		t.Errorf("stats = %+v", s)
	}
}
