// Package api serves the arc-sentinel operator API: event intake and search,
// model training, incident triage, response history and a live notification
// stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"arc-sentinel/internal/anomaly"
	"arc-sentinel/internal/config"
	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/ingest"
	"arc-sentinel/internal/metrics"
	"arc-sentinel/internal/middleware"
	"arc-sentinel/internal/notify"
	"arc-sentinel/internal/pipeline"
	"arc-sentinel/internal/response"
	"arc-sentinel/internal/storage"
	"arc-sentinel/internal/summarize"
)

// Trainer rebuilds the anomaly model on demand.
type Trainer interface {
	Train(ctx context.Context) (*pipeline.TrainResult, error)
}

// Deps are the components the API reads and drives. Metrics, Hub, State and
// Notifier may be nil.
type Deps struct {
	Events     storage.EventStore
	Intake     *ingest.Intake
	Detector   *anomaly.Detector
	Trainer    Trainer
	Incidents  *incident.Manager
	Actions    *response.ActionLog
	Executor   *response.Executor
	State      response.StateStore
	Summarizer *summarize.Summarizer
	Hub        *notify.Hub
	Notifier   notify.Broadcaster
	Metrics    *metrics.Metrics
}

// Server routes API requests.
type Server struct {
	deps    Deps
	cfg     *config.Config
	ingest  *ingest.Handler
	limiter *middleware.RateLimiter
	started time.Time
}

// New creates a Server. cfg supplies auth, rate limiting, ingest limits and
// the query timeout.
func New(deps Deps, cfg *config.Config) (*Server, error) {
	if deps.Events == nil || deps.Intake == nil || deps.Detector == nil || deps.Trainer == nil ||
		deps.Incidents == nil || deps.Actions == nil || deps.Executor == nil || deps.Summarizer == nil {
		return nil, errors.New("api: events, intake, detector, trainer, incidents, actions, executor and summarizer are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Server{
		deps: deps,
		cfg:  cfg,
		ingest: ingest.NewHandler(deps.Intake).
			WithMaxBatch(cfg.Ingest.MaxBatchSize).
			WithMaxPayload(cfg.Ingest.MaxPayloadSize),
		limiter: middleware.NewRateLimiter(cfg.RateLimit),
		started: time.Now(),
	}, nil
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	mux.HandleFunc("POST /v1/events", s.ingest.HandleEvents)
	mux.HandleFunc("GET /v1/events", s.handleListEvents)

	mux.HandleFunc("POST /v1/model/train", s.handleTrain)
	mux.HandleFunc("GET /v1/model", s.handleModel)

	mux.HandleFunc("GET /v1/incidents", s.handleListIncidents)
	mux.HandleFunc("GET /v1/incidents/stats", s.handleIncidentStats)
	mux.HandleFunc("GET /v1/incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("POST /v1/incidents/{id}/investigate", s.handleInvestigate)
	mux.HandleFunc("POST /v1/incidents/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /v1/incidents/{id}/notes", s.handleAddNote)
	mux.HandleFunc("GET /v1/incidents/{id}/report", s.handleReport)
	mux.HandleFunc("POST /v1/incidents/{id}/summary", s.handleSummary)

	mux.HandleFunc("GET /v1/responses", s.handleResponses)
	mux.HandleFunc("GET /v1/responses/state", s.handleResponseState)
	mux.HandleFunc("POST /v1/responses", s.handleManualBatch)
	mux.HandleFunc("POST /v1/responses/{kind}", s.handleManualAction)

	if s.deps.Hub != nil {
		mux.HandleFunc("GET /v1/stream", s.handleStream)
	}
}

// Handler returns the routed API wrapped in recovery, logging, security
// headers, rate limiting and API-key auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)

	headers := middleware.DefaultSecurityHeaders()
	if s.cfg.Server.Production {
		headers = middleware.ProductionSecurityHeaders()
	}
	return middleware.Chain(mux,
		middleware.Recovery,
		middleware.Logging(s.deps.Metrics),
		middleware.SecurityHeaders(headers),
		s.limiter.Middleware,
		middleware.APIKeyAuth(s.cfg.Auth),
	)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// queryContext bounds storage reads by the configured query timeout.
func (s *Server) queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	if t := s.cfg.Storage.QueryTimeout; t > 0 {
		return context.WithTimeout(r.Context(), t)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	qm := s.deps.Intake.QueueMetrics()
	status := "healthy"
	if qm.Capacity > 0 && qm.Depth*10 > qm.Capacity*9 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    qm.Depth,
		"queue_capacity": qm.Capacity,
		"model_trained":  s.deps.Detector.Trained(),
		"intake":         s.deps.Intake.Stats(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}
