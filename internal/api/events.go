package api

import (
	"net/http"

	"arc-sentinel/internal/anomaly"
	"arc-sentinel/internal/schema"
	"arc-sentinel/internal/storage"
)

// EventsResponse lists stored events.
type EventsResponse struct {
	Events []*schema.Event `json:"events"`
	Count  int             `json:"count"`
}

// handleListEvents serves GET /v1/events?start=&end=&type=&source_ip=&limit=&order=asc.
// Events are returned newest first unless order=asc.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := s.queryContext(r)
	defer cancel()
	events, err := s.deps.Events.Query(ctx, f)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*schema.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events)})
}

func eventFilter(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	f := storage.Filter{
		Type:     q.Get("type"),
		SourceIP: q.Get("source_ip"),
		Desc:     q.Get("order") != "asc",
	}
	var err error
	if f.Start, err = queryTime(r, "start"); err != nil {
		return f, err
	}
	if f.End, err = queryTime(r, "end"); err != nil {
		return f, err
	}
	if !f.Start.IsZero() && !f.End.IsZero() && !f.End.After(f.Start) {
		return f, badRequest("end must be after start")
	}
	if f.Limit, err = queryLimit(r, 100, 1000); err != nil {
		return f, err
	}
	return f, nil
}

// ModelResponse describes the installed model.
type ModelResponse struct {
	Trained bool              `json:"trained"`
	Meta    *anomaly.Metadata `json:"meta,omitempty"`
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	m := s.deps.Detector.Model()
	if m == nil {
		writeJSON(w, http.StatusOK, ModelResponse{})
		return
	}
	meta := m.Meta
	writeJSON(w, http.StatusOK, ModelResponse{Trained: true, Meta: &meta})
}

// handleTrain retrains synchronously. Too little history answers 422 and
// leaves any previous model installed.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Trainer.Train(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
