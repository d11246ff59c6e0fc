package anomaly

import (
	"fmt"
	"math"
	"time"

	"arc-sentinel/internal/features"
)

// AnomalyCut is the calibrated score assigned to a vector exactly as isolated as
// the contamination cut. Scores at or above it are outliers by the training
// distribution's own standard.
const AnomalyCut = 0.6

// Metadata describes a trained model.
type Metadata struct {
	Samples       int       `json:"samples"`
	TrainedAt     time.Time `json:"trained_at"`
	Contamination float64   `json:"contamination"`
	Estimators    int       `json:"estimators"`
	SampleSize    int       `json:"sample_size"`
	Seed          int64     `json:"seed"`
	Gain          float64   `json:"gain"`
	// Threshold is the raw isolation score mapped to AnomalyCut.
	Threshold    float64  `json:"threshold"`
	FeatureNames []string `json:"feature_names"`
}

// Model is an immutable trained Isolation Forest.
type Model struct {
	Trees []Tree   `json:"trees"`
	Meta  Metadata `json:"meta"`

	norm float64
}

// RawScore returns the isolation score 2^(-E[h(x)]/c(ψ)) in (0,1]. Values near 1
// are easy to isolate; values well below 0.5 are deep inside the data.
func (m *Model) RawScore(x features.Vector) float64 {
	var total float64
	for i := range m.Trees {
		total += m.Trees[i].pathLength(&x)
	}
	mean := total / float64(len(m.Trees))
	return math.Exp2(-mean / m.norm)
}

// Score maps the raw isolation score to [0,1] with a logistic curve centred so
// that the contamination cut lands on AnomalyCut. The mapping is strictly
// increasing in the raw score.
func (m *Model) Score(x features.Vector) float64 {
	raw := m.RawScore(x)
	z := math.Log(AnomalyCut/(1-AnomalyCut)) + m.Meta.Gain*(raw-m.Meta.Threshold)
	s := 1 / (1 + math.Exp(-z))

	// keep the cut exact despite rounding in the logistic
	if raw >= m.Meta.Threshold {
		return math.Max(s, AnomalyCut)
	}
	return math.Min(s, math.Nextafter(AnomalyCut, 0))
}

// validate checks a decoded model and restores derived state.
func (m *Model) validate() error {
	if len(m.Trees) == 0 {
		return fmt.Errorf("%w: no trees", ErrIncompatibleModel)
	}
	if len(m.Meta.FeatureNames) != features.Size {
		return fmt.Errorf("%w: %d features, want %d", ErrIncompatibleModel, len(m.Meta.FeatureNames), features.Size)
	}
	for i, name := range m.Meta.FeatureNames {
		if name != features.Names[i] {
			return fmt.Errorf("%w: feature %d is %q, want %q", ErrIncompatibleModel, i, name, features.Names[i])
		}
	}
	if m.Meta.SampleSize < 2 || m.Meta.Gain <= 0 {
		return fmt.Errorf("%w: bad metadata", ErrIncompatibleModel)
	}
	for t := range m.Trees {
		nodes := m.Trees[t].Nodes
		if len(nodes) == 0 {
			return fmt.Errorf("%w: tree %d is empty", ErrIncompatibleModel, t)
		}
		for i, n := range nodes {
			if n.Feature < 0 {
				continue
			}
			if n.Feature >= features.Size ||
				int(n.Left) <= i || int(n.Left) >= len(nodes) ||
				int(n.Right) <= i || int(n.Right) >= len(nodes) {
				return fmt.Errorf("%w: tree %d node %d is malformed", ErrIncompatibleModel, t, i)
			}
		}
	}
	m.norm = averagePathLength(m.Meta.SampleSize)
	return nil
}
