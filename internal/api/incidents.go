package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"arc-sentinel/internal/forensics"
	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/notify"
	"arc-sentinel/internal/schema"
)

// IncidentsResponse lists incidents.
type IncidentsResponse struct {
	Incidents []*incident.Incident `json:"incidents"`
	Count     int                  `json:"count"`
}

// TransitionRequest is the optional body of investigate and resolve.
type TransitionRequest struct {
	By    string `json:"by"`
	Notes string `json:"notes"`
}

// NoteRequest adds an analyst note.
type NoteRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// SummaryResponse carries a generated incident summary.
type SummaryResponse struct {
	IncidentID string `json:"incident_id"`
	Summary    string `json:"summary"`
}

func incidentFilter(r *http.Request) (incident.Filter, error) {
	q := r.URL.Query()
	f := incident.Filter{
		Status:         incident.Status(q.Get("status")),
		Classification: q.Get("classification"),
		SourceIP:       q.Get("source_ip"),
	}
	if f.Status != "" && !f.Status.IsValid() {
		return f, badRequest("unknown status " + string(f.Status))
	}
	if raw := q.Get("severity"); raw != "" {
		sev, err := schema.ParseSeverity(raw)
		if err != nil {
			return f, badRequest(err.Error())
		}
		f.Severity = sev
	}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = queryLimit(r, 100, 1000); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	f, err := incidentFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.queryContext(r)
	defer cancel()
	list, err := s.deps.Incidents.List(ctx, f)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*incident.Incident{}
	}
	writeJSON(w, http.StatusOK, IncidentsResponse{Incidents: list, Count: len(list)})
}

func (s *Server) handleIncidentStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()
	stats, err := s.deps.Incidents.Stats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	inc, err := s.deps.Incidents.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req TransitionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	inc, err := s.deps.Incidents.Investigate(r.Context(), id, req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Notifier.Broadcast(r.Context(), notify.IncidentUpdated(inc))
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req TransitionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	inc, err := s.deps.Incidents.Resolve(r.Context(), id, req.By, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Notifier.Broadcast(r.Context(), notify.IncidentUpdated(inc))
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req NoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" {
		writeError(w, badRequest("content is required"))
		return
	}
	inc, err := s.deps.Incidents.AddNote(r.Context(), id, req.Author, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

// handleReport returns the stored forensic report as collected.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rep, err := s.deps.Incidents.Report(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleSummary generates a summary from the incident and its forensic
// report, when one exists, and stores it on the incident.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	inc, err := s.deps.Incidents.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var report *forensics.Report
	stored, err := s.deps.Incidents.Report(ctx, id)
	switch {
	case err == nil:
		var fr forensics.Report
		if err := json.Unmarshal(stored.Data, &fr); err != nil {
			writeError(w, err)
			return
		}
		report = &fr
	case !errors.Is(err, incident.ErrReportNotFound):
		writeError(w, err)
		return
	}

	text, err := s.deps.Summarizer.Summarize(ctx, inc, report)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.deps.Incidents.SetSummary(ctx, id, text)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Notifier.Broadcast(ctx, notify.IncidentUpdated(updated))
	writeJSON(w, http.StatusOK, SummaryResponse{IncidentID: id.String(), Summary: text})
}
