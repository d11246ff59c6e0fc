package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	apperrors "arc-sentinel/internal/errors"
	"arc-sentinel/internal/queue"
	"arc-sentinel/internal/schema"
)

// Handler serves POST /v1/events.
type Handler struct {
	intake     *Intake
	maxPayload int64
	maxBatch   int
}

// NewHandler creates a Handler with a 10MB body limit and 1000-event batches.
func NewHandler(in *Intake) *Handler {
	return &Handler{
		intake:     in,
		maxPayload: 10 * 1024 * 1024,
		maxBatch:   1000,
	}
}

// WithMaxPayload sets the maximum request body size in bytes.
func (h *Handler) WithMaxPayload(size int) *Handler {
	if size > 0 {
		h.maxPayload = int64(size)
	}
	return h
}

// WithMaxBatch sets the maximum number of events per request.
func (h *Handler) WithMaxBatch(size int) *Handler {
	if size > 0 {
		h.maxBatch = size
	}
	return h
}

// IngestRequest is the request body. Events are decoded one by one so a
// malformed event rejects only itself.
type IngestRequest struct {
	Events []json.RawMessage `json:"events"`
}

// EventError describes one rejected event.
type EventError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// IngestResponse reports per-batch outcome.
type IngestResponse struct {
	Success   bool         `json:"success"`
	Accepted  int          `json:"accepted"`
	Rejected  int          `json:"rejected"`
	Errors    []EventError `json:"errors,omitempty"`
	RequestID string       `json:"request_id"`
}

// HandleEvents accepts a batch. It answers 202 when every event was queued,
// 207 on partial success, 503 when nothing could be queued because the queue
// is full or closed, and 400 when every event was invalid.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request: malformed JSON", requestID)
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "invalid request: no events provided", requestID)
		return
	}
	if len(req.Events) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: batch exceeds %d events", h.maxBatch), requestID)
		return
	}

	resp := IngestResponse{RequestID: requestID}
	unavailable := 0
	for i, raw := range req.Events {
		var e schema.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, EventError{Index: i, Error: "invalid event: " + err.Error()})
			continue
		}
		if err := h.intake.Submit(TransportHTTP, &e); err != nil {
			resp.Rejected++
			if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed) {
				unavailable++
			}
			resp.Errors = append(resp.Errors, EventError{Index: i, Error: apperrors.SafeErrorMessage(err)})
			continue
		}
		resp.Accepted++
	}
	resp.Success = resp.Rejected == 0

	status := http.StatusAccepted
	switch {
	case resp.Accepted > 0 && resp.Rejected > 0:
		status = http.StatusMultiStatus
	case resp.Accepted == 0 && unavailable > 0:
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case resp.Accepted == 0:
		status = http.StatusBadRequest
	}
	if resp.Rejected > 0 {
		slog.Debug("ingest batch partially rejected",
			"request_id", requestID,
			"accepted", resp.Accepted,
			"rejected", resp.Rejected,
		)
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
