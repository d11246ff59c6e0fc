package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"arc-sentinel/internal/response"
)

// ActionsResponse lists executed response actions.
type ActionsResponse struct {
	Actions []response.Action `json:"actions"`
	Count   int               `json:"count"`
}

// StateResponse is the current containment state.
type StateResponse struct {
	Quarantined []response.Quarantine `json:"quarantined"`
	Isolated    []response.Isolation  `json:"isolated"`
}

// handleResponses serves GET /v1/responses?incident_id=&limit=, oldest first.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var incidentID uuid.UUID
	if raw := r.URL.Query().Get("incident_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, badRequest("incident_id must be a UUID"))
			return
		}
		incidentID = id
	}
	limit, err := queryLimit(r, 100, 1000)
	if err != nil {
		writeError(w, err)
		return
	}
	actions := s.deps.Actions.Recent(incidentID, limit)
	if actions == nil {
		actions = []response.Action{}
	}
	writeJSON(w, http.StatusOK, ActionsResponse{Actions: actions, Count: len(actions)})
}

// ManualAction is an operator-requested response step. IncidentID is optional;
// when set the incident must exist and lends its severity and classification.
type ManualAction struct {
	Kind       response.Kind `json:"kind,omitempty"`
	IncidentID string        `json:"incident_id,omitempty"`
	PID        int64         `json:"pid,omitempty"`
	DeviceID   string        `json:"device_id,omitempty"`
	IP         string        `json:"ip,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// ManualBatch is the body of POST /v1/responses.
type ManualBatch struct {
	Actions []ManualAction `json:"actions"`
}

// directive validates m and resolves it into a directive.
func (s *Server) directive(ctx context.Context, m ManualAction) (response.Directive, error) {
	d := response.Directive{
		Kind:     m.Kind,
		Threat:   "manual",
		Reason:   m.Reason,
	}
	if d.Reason == "" {
		d.Reason = "operator request"
	}
	if m.IncidentID != "" {
		id, err := uuid.Parse(m.IncidentID)
		if err != nil {
			return d, badRequest("incident_id must be a UUID")
		}
		inc, err := s.deps.Incidents.Get(ctx, id)
		if err != nil {
			return d, err
		}
		d.IncidentID = inc.ID
		d.Severity = inc.Severity
		d.Threat = inc.Classification
	}

	switch m.Kind {
	case response.KindIsolateProcess:
		if m.PID <= 0 || m.PID > math.MaxInt32 {
			return d, badRequest("pid must be a positive 32-bit integer")
		}
		d.PID = int32(m.PID)
	case response.KindQuarantineDevice:
		if m.DeviceID == "" && m.IP == "" {
			return d, badRequest("device_id or ip is required")
		}
		d.DeviceID, d.IP = m.DeviceID, m.IP
		if d.DeviceID == "" {
			d.DeviceID = "device_" + m.IP
		}
	case response.KindRevokeSession:
		if m.UserID == "" {
			return d, badRequest("user_id is required")
		}
		d.UserID = m.UserID
	case response.KindEscalate:
		if d.IncidentID == uuid.Nil {
			return d, badRequest("escalation requires incident_id")
		}
	default:
		return d, badRequest(fmt.Sprintf("unknown action %q", m.Kind))
	}
	return d, nil
}

// handleManualAction serves POST /v1/responses/{kind}. Execution failures are
// reported in the action status, which is logged either way.
func (s *Server) handleManualAction(w http.ResponseWriter, r *http.Request) {
	var m ManualAction
	if err := decodeBody(w, r, &m); err != nil {
		writeError(w, err)
		return
	}
	m.Kind = response.Kind(r.PathValue("kind"))
	d, err := s.directive(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Executor.Execute(r.Context(), d))
}

// handleManualBatch serves POST /v1/responses. Every action is validated
// before any runs; they then execute in order.
func (s *Server) handleManualBatch(w http.ResponseWriter, r *http.Request) {
	var b ManualBatch
	if err := decodeBody(w, r, &b); err != nil {
		writeError(w, err)
		return
	}
	if len(b.Actions) == 0 {
		writeError(w, badRequest("actions must not be empty"))
		return
	}
	if len(b.Actions) > 100 {
		writeError(w, badRequest("at most 100 actions per request"))
		return
	}
	ds := make([]response.Directive, 0, len(b.Actions))
	for i, m := range b.Actions {
		d, err := s.directive(r.Context(), m)
		if err != nil {
			writeError(w, fmt.Errorf("actions[%d]: %w", i, err))
			return
		}
		ds = append(ds, d)
	}
	actions := s.deps.Executor.ExecuteAll(r.Context(), ds)
	writeJSON(w, http.StatusOK, ActionsResponse{Actions: actions, Count: len(actions)})
}

func (s *Server) handleResponseState(w http.ResponseWriter, r *http.Request) {
	if s.deps.State == nil {
		writeJSON(w, http.StatusOK, StateResponse{Quarantined: []response.Quarantine{}, Isolated: []response.Isolation{}})
		return
	}
	ctx, cancel := s.queryContext(r)
	defer cancel()
	q, err := s.deps.State.Quarantined(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	iso, err := s.deps.State.Isolated(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	if q == nil {
		q = []response.Quarantine{}
	}
	if iso == nil {
		iso = []response.Isolation{}
	}
	writeJSON(w, http.StatusOK, StateResponse{Quarantined: q, Isolated: iso})
}

// handleStream relays notifications as server-sent events until the client
// disconnects. A comment line is sent every 15 seconds to keep proxies from
// closing the connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}
	msgs, cancel := s.deps.Hub.Subscribe()
	defer cancel()
	// The server write timeout would otherwise end every stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case m, ok := <-msgs:
			if !ok {
				return
			}
			data, err := json.Marshal(m)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", m.ID, m.Type, data)
			flusher.Flush()
		}
	}
}
