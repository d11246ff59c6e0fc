package anomaly

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"arc-sentinel/internal/features"
)

// Detector owns the shared model. Scoring reads an immutable snapshot through an
// atomic pointer and never blocks; training is serialized and the new model is
// published only once it is complete, so a failed or cancelled train leaves the
// previous model in place.
type Detector struct {
	cfg   TrainConfig
	model atomic.Pointer[Model]
	train sync.Mutex
}

// NewDetector creates an untrained Detector.
func NewDetector(cfg TrainConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Train fits a new model and swaps it in on success.
func (d *Detector) Train(ctx context.Context, vectors []features.Vector) (*Model, error) {
	d.train.Lock()
	defer d.train.Unlock()

	m, err := Train(ctx, vectors, d.cfg)
	if err != nil {
		return nil, err
	}
	d.model.Store(m)

	slog.Info("anomaly model trained",
		"samples", m.Meta.Samples,
		"estimators", m.Meta.Estimators,
		"sample_size", m.Meta.SampleSize,
		"contamination", m.Meta.Contamination,
		"threshold", m.Meta.Threshold,
	)
	return m, nil
}

// Install publishes an already trained model, typically one loaded from storage.
func (d *Detector) Install(m *Model) error {
	if err := m.validate(); err != nil {
		return err
	}
	d.train.Lock()
	defer d.train.Unlock()
	d.model.Store(m)
	return nil
}

// Score returns the calibrated anomaly score of x under the current model.
func (d *Detector) Score(x features.Vector) (float64, error) {
	m := d.model.Load()
	if m == nil {
		return 0, ErrModelNotTrained
	}
	return m.Score(x), nil
}

// Model returns the current model, or nil before the first successful train.
func (d *Detector) Model() *Model {
	return d.model.Load()
}

// Trained reports whether a model is installed.
func (d *Detector) Trained() bool {
	return d.model.Load() != nil
}

// Config returns the training configuration.
func (d *Detector) Config() TrainConfig {
	return d.cfg
}
