package anomaly

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"arc-sentinel/internal/features"
)

const eulerGamma = 0.5772156649015329

// TrainConfig holds Isolation Forest hyperparameters.
type TrainConfig struct {
	// Estimators is the number of trees.
	Estimators int `yaml:"estimators"`
	// SampleSize is the subsample drawn per tree, capped at the number of vectors.
	SampleSize int `yaml:"sample_size"`
	// Contamination is the expected outlier fraction of the training data.
	Contamination float64 `yaml:"contamination"`
	// Seed makes training deterministic.
	Seed int64 `yaml:"seed"`
	// MinSamples is the smallest accepted training set.
	MinSamples int `yaml:"min_samples"`
	// Gain controls how quickly the calibrated score moves away from the
	// anomaly threshold as the raw isolation score departs from the cut.
	Gain float64 `yaml:"gain"`
}

// DefaultTrainConfig returns the default hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Estimators:    100,
		SampleSize:    256,
		Contamination: 0.1,
		Seed:          42,
		MinSamples:    10,
		Gain:          10,
	}
}

// Validate checks the hyperparameters.
func (c TrainConfig) Validate() error {
	switch {
	case c.Estimators < 1:
		return fmt.Errorf("%w: estimators must be >= 1", ErrInvalidConfig)
	case c.SampleSize < 2:
		return fmt.Errorf("%w: sample_size must be >= 2", ErrInvalidConfig)
	case c.Contamination <= 0 || c.Contamination > 0.5:
		return fmt.Errorf("%w: contamination must be in (0, 0.5]", ErrInvalidConfig)
	case c.MinSamples < 2:
		return fmt.Errorf("%w: min_samples must be >= 2", ErrInvalidConfig)
	case c.Gain <= 0:
		return fmt.Errorf("%w: gain must be positive", ErrInvalidConfig)
	}
	return nil
}

// Node is one node of an isolation tree stored in a flat slice. Leaves have
// Feature == -1 and record how many training samples reached them.
type Node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s,omitempty"`
	Left    int32   `json:"l,omitempty"`
	Right   int32   `json:"r,omitempty"`
	Size    int     `json:"n,omitempty"`
}

// Tree is one isolation tree; Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// pathLength returns the isolation depth of x, adjusted for unsplit leaves.
func (t *Tree) pathLength(x *features.Vector) float64 {
	i, depth := int32(0), 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return float64(depth) + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the mean path length of an unsuccessful binary
// search tree lookup over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

type treeBuilder struct {
	data        []features.Vector
	rng         *rand.Rand
	heightLimit int
	nodes       []Node
	splittable  []int
}

func (b *treeBuilder) build(idx []int, depth int) int32 {
	self := int32(len(b.nodes))
	b.nodes = append(b.nodes, Node{Feature: -1, Size: len(idx)})
	if depth >= b.heightLimit || len(idx) <= 1 {
		return self
	}

	// only features with spread can separate points
	b.splittable = b.splittable[:0]
	var lo, hi [features.Size]float64
	for f := 0; f < features.Size; f++ {
		lo[f], hi[f] = math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.data[i][f]
			lo[f] = math.Min(lo[f], v)
			hi[f] = math.Max(hi[f], v)
		}
		if hi[f] > lo[f] {
			b.splittable = append(b.splittable, f)
		}
	}
	if len(b.splittable) == 0 {
		return self
	}

	f := b.splittable[b.rng.Intn(len(b.splittable))]
	split := lo[f] + b.rng.Float64()*(hi[f]-lo[f])

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.data[i][f] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self] = Node{Feature: f, Split: split, Left: l, Right: r}
	return self
}

// Train fits an Isolation Forest to vectors. It is deterministic for a given
// config and input order. The context is checked between trees.
func Train(ctx context.Context, vectors []features.Vector, cfg TrainConfig) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(vectors) < cfg.MinSamples {
		return nil, &InsufficientDataError{Have: len(vectors), Need: cfg.MinSamples}
	}

	psi := cfg.SampleSize
	if psi > len(vectors) {
		psi = len(vectors)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	b := &treeBuilder{
		data:        vectors,
		rng:         rng,
		heightLimit: int(math.Ceil(math.Log2(float64(psi)))),
		splittable:  make([]int, 0, features.Size),
	}

	trees := make([]Tree, cfg.Estimators)
	for t := range trees {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("anomaly: training aborted after %d trees: %w", t, err)
		}
		sample := rng.Perm(len(vectors))[:psi]
		b.nodes = make([]Node, 0, 2*psi)
		b.build(sample, 0)
		trees[t] = Tree{Nodes: b.nodes}
	}

	m := &Model{
		Trees: trees,
		Meta: Metadata{
			Samples:       len(vectors),
			TrainedAt:     time.Now().UTC(),
			Contamination: cfg.Contamination,
			Estimators:    cfg.Estimators,
			SampleSize:    psi,
			Seed:          cfg.Seed,
			Gain:          cfg.Gain,
			FeatureNames:  append([]string(nil), features.Names[:]...),
		},
	}
	m.norm = averagePathLength(psi)

	raw := make([]float64, len(vectors))
	for i := range vectors {
		raw[i] = m.RawScore(vectors[i])
	}
	m.Meta.Threshold = calibrate(raw, cfg.Contamination)
	return m, nil
}

// calibrate returns the raw-score cut above which the expected contamination
// fraction of training data lies. When the top of the distribution is flat the
// cut is nudged above it so identical history is never flagged wholesale.
func calibrate(raw []float64, contamination float64) float64 {
	sorted := append([]float64(nil), raw...)
	sort.Float64s(sorted)

	t := quantile(sorted, 1-contamination)
	if max := sorted[len(sorted)-1]; t >= max {
		t = math.Nextafter(max, math.Inf(1))
	}
	return t
}

// quantile interpolates linearly between closest ranks of sorted data.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
