package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"arc-sentinel/internal/anomaly"
	"arc-sentinel/internal/features"
	"arc-sentinel/internal/metrics"
	"arc-sentinel/internal/notify"
	"arc-sentinel/internal/storage"
)

// TrainerConfig configures training runs.
type TrainerConfig struct {
	// MaxSamples caps the training set to the newest events. Zero means all.
	MaxSamples int `yaml:"max_samples"`
	// RetrainInterval drives RunRetrainLoop. Zero disables periodic retraining.
	RetrainInterval time.Duration `yaml:"retrain_interval"`
	// MinNewEvents skips a periodic retrain until this many events arrived
	// since the last successful train.
	MinNewEvents int64 `yaml:"min_new_events"`
}

// DefaultTrainerConfig returns the default training settings.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		MaxSamples:      10000,
		RetrainInterval: 0,
		MinNewEvents:    100,
	}
}

// TrainResult summarises a training run.
type TrainResult struct {
	Meta      anomaly.Metadata `json:"meta"`
	Samples   int              `json:"samples"`
	Fallbacks int              `json:"feature_fallbacks"`
	Duration  time.Duration    `json:"duration"`
	Persisted bool             `json:"persisted"`
}

// Trainer rebuilds feature vectors from stored history and retrains the
// detector.
type Trainer struct {
	cfg       TrainerConfig
	store     storage.EventStore
	extractor *features.Extractor
	detector  *anomaly.Detector
	models    anomaly.ModelStore
	notifier  notify.Broadcaster
	metrics   *metrics.Metrics

	mu        sync.Mutex
	lastCount int64
}

// NewTrainer creates a Trainer. models, notifier and m may be nil.
func NewTrainer(cfg TrainerConfig, store storage.EventStore, extractor *features.Extractor, detector *anomaly.Detector, models anomaly.ModelStore, notifier notify.Broadcaster, m *metrics.Metrics) *Trainer {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Trainer{
		cfg:       cfg,
		store:     store,
		extractor: extractor,
		detector:  detector,
		models:    models,
		notifier:  notifier,
		metrics:   m,
	}
}

// Vectors returns the feature vector of every stored event, each computed
// against the history strictly before that event, oldest first.
func (t *Trainer) Vectors(ctx context.Context) ([]features.Vector, int, error) {
	events, err := t.store.Query(ctx, storage.Filter{Limit: t.cfg.MaxSamples, Desc: true})
	if err != nil {
		return nil, 0, fmt.Errorf("pipeline: load training events: %w", err)
	}

	vectors := make([]features.Vector, 0, len(events))
	fallbacks := 0
	for i := len(events) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		v, err := t.extractor.Extract(ctx, events[i])
		var xerr *features.ExtractionError
		if errors.As(err, &xerr) {
			fallbacks += len(xerr.Fallbacks)
		}
		vectors = append(vectors, v)
	}
	return vectors, fallbacks, nil
}

// Train fits a new model on stored history, installs it, persists it and
// broadcasts model_trained. A failed train leaves the previous model serving.
func (t *Trainer) Train(ctx context.Context) (*TrainResult, error) {
	start := time.Now()
	count, err := t.store.Count(ctx, storage.Filter{})
	if err != nil {
		return nil, fmt.Errorf("pipeline: count events: %w", err)
	}

	vectors, fallbacks, err := t.Vectors(ctx)
	if err != nil {
		t.observe("error")
		return nil, err
	}
	m, err := t.detector.Train(ctx, vectors)
	if err != nil {
		if errors.Is(err, anomaly.ErrInsufficientData) {
			t.observe("insufficient_data")
		} else {
			t.observe("error")
		}
		return nil, err
	}

	res := &TrainResult{
		Meta:      m.Meta,
		Samples:   len(vectors),
		Fallbacks: fallbacks,
	}
	if t.models != nil {
		if err := anomaly.Save(ctx, t.models, m); err != nil {
			slog.Error("failed to persist model", "error", err)
		} else {
			res.Persisted = true
		}
	}
	res.Duration = time.Since(start)

	t.mu.Lock()
	t.lastCount = count
	t.mu.Unlock()

	t.observe("success")
	if t.metrics != nil {
		t.metrics.ModelSamples.Set(float64(m.Meta.Samples))
	}
	t.notifier.Broadcast(ctx, notify.ModelTrained(m.Meta))
	slog.Info("training complete",
		"samples", res.Samples,
		"feature_fallbacks", fallbacks,
		"persisted", res.Persisted,
		"duration", res.Duration,
	)
	return res, nil
}

// LoadPersisted installs the persisted model if there is one. It reports
// whether a model was installed.
func (t *Trainer) LoadPersisted(ctx context.Context) (bool, error) {
	if t.models == nil {
		return false, nil
	}
	m, err := anomaly.Load(ctx, t.models)
	if errors.Is(err, anomaly.ErrModelNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := t.detector.Install(m); err != nil {
		return false, err
	}
	if t.metrics != nil {
		t.metrics.ModelSamples.Set(float64(m.Meta.Samples))
	}
	slog.Info("loaded persisted model", "samples", m.Meta.Samples, "trained_at", m.Meta.TrainedAt)
	return true, nil
}

// RunRetrainLoop retrains every RetrainInterval once MinNewEvents arrived,
// until ctx is done.
func (t *Trainer) RunRetrainLoop(ctx context.Context) {
	if t.cfg.RetrainInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.RetrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.due(ctx) {
				continue
			}
			if _, err := t.Train(ctx); err != nil {
				if errors.Is(err, anomaly.ErrInsufficientData) {
					slog.Debug("retrain skipped", "error", err)
				} else if ctx.Err() == nil {
					slog.Warn("periodic retrain failed", "error", err)
				}
			}
		}
	}
}

func (t *Trainer) due(ctx context.Context) bool {
	count, err := t.store.Count(ctx, storage.Filter{})
	if err != nil {
		slog.Warn("retrain check failed", "error", err)
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.detector.Trained() || count-t.lastCount >= t.cfg.MinNewEvents
}

func (t *Trainer) observe(outcome string) {
	if t.metrics != nil {
		t.metrics.ModelTrainings.WithLabelValues(outcome).Inc()
	}
}
