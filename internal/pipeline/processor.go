// Package pipeline runs each event through feature extraction, outlier
// scoring, rule detection, severity routing and the incident, forensics,
// response and notification stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"arc-sentinel/internal/anomaly"
	"arc-sentinel/internal/detection"
	"arc-sentinel/internal/features"
	"arc-sentinel/internal/forensics"
	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/metrics"
	"arc-sentinel/internal/notify"
	"arc-sentinel/internal/response"
	"arc-sentinel/internal/routing"
	"arc-sentinel/internal/schema"
	"arc-sentinel/internal/storage"
)

// ErrInvalidEvent wraps validation failures. Invalid events are not stored.
var ErrInvalidEvent = errors.New("pipeline: invalid event")

// Stage names a pipeline stage in a Fallback.
type Stage string

const (
	StageFeatures  Stage = "features"
	StageScoring   Stage = "scoring"
	StageDetection Stage = "detection"
	StageIncident  Stage = "incident"
	StageForensics Stage = "forensics"
	StageResponse  Stage = "response"
)

// Fallback records a stage that degraded instead of failing the event.
type Fallback struct {
	Stage  Stage  `json:"stage"`
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

// Result is everything the pipeline decided about one event.
type Result struct {
	Event     *schema.Event      `json:"event"`
	Vector    features.Vector    `json:"vector"`
	Score     routing.Score      `json:"score"`
	Detection detection.Result   `json:"detection"`
	Decision  routing.Decision   `json:"decision"`
	Incident  *incident.Incident `json:"incident,omitempty"`
	// Created is false when the event was folded into an open incident.
	Created bool `json:"created"`
	// Escalated is set when a folded event raised the open incident's tier.
	Escalated bool              `json:"escalated,omitempty"`
	Report    *forensics.Report `json:"forensics,omitempty"`
	Actions   []response.Action `json:"actions,omitempty"`
	Fallbacks []Fallback        `json:"fallbacks,omitempty"`
}

// Config configures a Processor.
type Config struct {
	Thresholds routing.Thresholds `yaml:"thresholds"`
	// BroadcastEvents publishes new_event for every processed event.
	BroadcastEvents bool `yaml:"broadcast_events"`
	// AutoRespond executes directives for auto-respond incidents.
	AutoRespond bool `yaml:"auto_respond"`
}

// DefaultConfig returns the default processor settings.
func DefaultConfig() Config {
	return Config{
		Thresholds:  routing.DefaultThresholds(),
		AutoRespond: true,
	}
}

// Scorer scores feature vectors. *anomaly.Detector is the production Scorer;
// it returns anomaly.ErrModelNotTrained until a model is installed.
type Scorer interface {
	Score(features.Vector) (float64, error)
}

// Components are the collaborators a Processor drives. Store, Extractor,
// Detector, Engine and Incidents are required; the rest may be nil.
type Components struct {
	Validator *schema.Validator
	Store     storage.EventStore
	Extractor *features.Extractor
	Detector  Scorer
	Engine    *detection.Engine
	Incidents *incident.Manager
	Forensics *forensics.Collector
	Planner   *response.Planner
	Executor  *response.Executor
	Notifier  notify.Broadcaster
	Metrics   *metrics.Metrics
}

// Processor runs events through the pipeline. It is safe for concurrent use.
type Processor struct {
	cfg Config
	Components
	now func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config, c Components) (*Processor, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if c.Store == nil || c.Extractor == nil || c.Detector == nil || c.Engine == nil || c.Incidents == nil {
		return nil, errors.New("pipeline: store, extractor, detector, engine and incidents are required")
	}
	if c.Validator == nil {
		c.Validator = schema.NewValidator()
	}
	if c.Notifier == nil {
		c.Notifier = notify.Nop{}
	}
	return &Processor{cfg: cfg, Components: c, now: time.Now}, nil
}

// Process runs one event through the pipeline. Only validation and storage
// failures are returned; every other failure degrades and is listed in
// Result.Fallbacks.
func (p *Processor) Process(ctx context.Context, e *schema.Event) (*Result, error) {
	start := p.now()
	schema.Normalize(e, start)
	if err := p.Validator.Validate(e); err != nil {
		if p.Metrics != nil {
			p.Metrics.EventsRejected.Inc()
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	r := &Result{Event: e}

	// Every history lookup below sees only events strictly before e.
	vec, err := p.Extractor.Extract(ctx, e)
	r.Vector = vec
	var xerr *features.ExtractionError
	if errors.As(err, &xerr) {
		for _, fb := range xerr.Fallbacks {
			p.fallback(r, StageFeatures, fb.Name(), fb.Err)
			if p.Metrics != nil {
				p.Metrics.FeatureFallbacks.WithLabelValues(fb.Name()).Inc()
			}
		}
	}

	r.Score = p.score(r, vec)

	r.Detection = p.Engine.Evaluate(ctx, e)
	for _, id := range r.Detection.Failed {
		p.fallback(r, StageDetection, id, features.ErrHistoryUnavailable)
	}

	declared := e.Severity
	if r.Detection.Best != nil {
		declared = schema.MaxSeverity(declared, r.Detection.Best.Severity)
		if p.Metrics != nil {
			for _, m := range r.Detection.Matches {
				p.Metrics.RuleMatches.WithLabelValues(m.RuleID).Inc()
			}
		}
	}
	r.Decision = p.cfg.Thresholds.Route(r.Detection.Matched(), r.Score, declared)

	e.Anomaly = schema.Verdict{
		Scored:  r.Score.Valid,
		Flagged: p.cfg.Thresholds.Anomalous(r.Score),
		Score:   r.Score.Value,
	}
	if err := p.Store.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("pipeline: store event: %w", err)
	}

	if r.Decision.CreateIncident {
		p.handleIncident(ctx, r)
	}

	if p.cfg.BroadcastEvents {
		p.Notifier.Broadcast(ctx, notify.NewEvent(e))
	}
	if p.Metrics != nil {
		p.Metrics.EventsProcessed.WithLabelValues(r.Decision.Tier.String()).Inc()
		p.Metrics.ProcessDuration.Observe(p.now().Sub(start).Seconds())
		if r.Score.Valid {
			p.Metrics.AnomalyScores.Observe(r.Score.Value)
		}
	}

	slog.Debug("event processed",
		"event_id", e.ID,
		"type", e.Type,
		"tier", r.Decision.Tier.String(),
		"score", r.Score.Value,
		"scored", r.Score.Valid,
		"rules", len(r.Detection.Matches),
	)
	return r, nil
}

func (p *Processor) score(r *Result, vec features.Vector) routing.Score {
	s, err := p.Detector.Score(vec)
	if err == nil {
		return routing.Scored(s)
	}
	reason := "error"
	if errors.Is(err, anomaly.ErrModelNotTrained) {
		reason = "model_not_trained"
	}
	p.fallback(r, StageScoring, reason, err)
	if p.Metrics != nil {
		p.Metrics.ScoringFallbacks.WithLabelValues(reason).Inc()
	}
	return routing.Unscored
}

func (p *Processor) handleIncident(ctx context.Context, r *Result) {
	inc, outcome, err := p.Incidents.Open(ctx, incident.OpenRequest{
		Event:    r.Event,
		Decision: r.Decision,
		Match:    r.Detection.Best,
	})
	if err != nil {
		p.fallback(r, StageIncident, "open", err)
		return
	}
	r.Incident = inc
	r.Created = outcome == incident.Created
	r.Escalated = outcome == incident.Escalated

	switch outcome {
	case incident.Folded:
		p.Notifier.Broadcast(ctx, notify.IncidentUpdated(inc))
		return
	case incident.Escalated:
		p.Notifier.Broadcast(ctx, notify.IncidentUpdated(inc))
		// only a rise into the auto-respond tier needs the response path
		if inc.Tier != routing.TierAutoRespond {
			return
		}
	case incident.Created:
		if p.Metrics != nil {
			p.Metrics.IncidentsOpened.WithLabelValues(string(inc.Severity)).Inc()
		}
		p.collectForensics(ctx, r, inc)
	}

	p.respond(ctx, r, inc)

	switch {
	case inc.Severity == schema.SeverityCritical:
		p.Notifier.Broadcast(ctx, notify.CriticalAlert(inc))
	case r.Created:
		p.Notifier.Broadcast(ctx, notify.NewIncident(inc))
	}
}

func (p *Processor) collectForensics(ctx context.Context, r *Result, inc *incident.Incident) {
	if p.Forensics == nil {
		return
	}
	pid, err := r.Event.Payload.PID()
	if err != nil {
		p.fallback(r, StageForensics, "pid", err)
	}
	report := p.Forensics.Collect(ctx, inc, pid)
	r.Report = &report
	if err := p.Incidents.AttachReport(ctx, inc.ID, report); err != nil {
		p.fallback(r, StageForensics, "attach", err)
	}
	for _, msg := range report.Errors {
		p.fallback(r, StageForensics, "collect", errors.New(msg))
	}
}

func (p *Processor) respond(ctx context.Context, r *Result, inc *incident.Incident) {
	if !r.Decision.AutoRespond || !p.cfg.AutoRespond || p.Planner == nil || p.Executor == nil {
		return
	}
	for _, d := range p.Planner.Plan(inc, r.Event) {
		a := p.Executor.Execute(ctx, d)
		r.Actions = append(r.Actions, a)
		if a.Error != "" {
			p.fallback(r, StageResponse, string(a.Kind), errors.New(a.Error))
		}
		if p.Metrics != nil {
			p.Metrics.ResponseActions.WithLabelValues(string(a.Kind), a.Status).Inc()
		}
		p.Notifier.Broadcast(ctx, notify.ResponseAction(inc.ID, a))
	}
}

func (p *Processor) fallback(r *Result, stage Stage, detail string, err error) {
	fb := Fallback{Stage: stage, Detail: detail}
	if err != nil {
		fb.Error = err.Error()
	}
	r.Fallbacks = append(r.Fallbacks, fb)
	slog.Warn("pipeline fallback",
		"event_id", r.Event.ID,
		"stage", stage,
		"detail", detail,
		"error", err,
	)
}
