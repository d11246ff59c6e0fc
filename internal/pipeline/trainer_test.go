package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"arc-sentinel/internal/anomaly"
	"arc-sentinel/internal/features"
	"arc-sentinel/internal/metrics"
	"arc-sentinel/internal/notify"
	"arc-sentinel/internal/schema"
	"arc-sentinel/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store *storage.MemoryStore, n int) {
	t.Helper()
	base := time.Now().UTC().Add(-24 * time.Hour)
	for i := 0; i < n; i++ {
		e := event(schema.TypeFileAccess, schema.SeverityLow, fmt.Sprintf("10.0.2.%d", i%25+1), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Insert(context.Background(), e))
	}
}

func newTrainer(store *storage.MemoryStore, models anomaly.ModelStore, notes notify.Broadcaster, m *metrics.Metrics) (*Trainer, *anomaly.Detector) {
	det := anomaly.NewDetector(anomaly.DefaultTrainConfig())
	x := features.NewExtractor(store, features.DefaultConfig())
	return NewTrainer(DefaultTrainerConfig(), store, x, det, models, notes, m), det
}

func TestTrainer_Train(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 80)
	models := anomaly.NewMemoryStore()
	notes := &recorder{}
	m := metrics.New()
	tr, det := newTrainer(store, models, notes, m)

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 80, res.Samples)
	assert.True(t, res.Persisted)
	assert.True(t, det.Trained())
	assert.Equal(t, []notify.Type{notify.TypeModelTrained}, notes.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelTrainings.WithLabelValues("success")))
	assert.Equal(t, 80.0, testutil.ToFloat64(m.ModelSamples))

	_, meta, err := models.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 80, meta.Samples)
}

func TestTrainer_MaxSamplesKeepsNewest(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 50)
	tr, _ := newTrainer(store, nil, nil, nil)
	tr.cfg.MaxSamples = 20

	vectors, _, err := tr.Vectors(context.Background())
	require.NoError(t, err)
	assert.Len(t, vectors, 20)
}

func TestTrainer_InsufficientDataKeepsPreviousModel(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 3)
	m := metrics.New()
	tr, det := newTrainer(store, nil, nil, m)

	_, err := tr.Train(context.Background())
	require.ErrorIs(t, err, anomaly.ErrInsufficientData)
	assert.False(t, det.Trained())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelTrainings.WithLabelValues("insufficient_data")))
}

func TestTrainer_LoadPersisted(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 40)
	models := anomaly.NewMemoryStore()

	fresh, _ := newTrainer(store, models, nil, nil)
	ok, err := fresh.LoadPersisted(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	tr, _ := newTrainer(store, models, nil, nil)
	_, err = tr.Train(context.Background())
	require.NoError(t, err)

	restarted, det := newTrainer(store, models, nil, nil)
	ok, err = restarted.LoadPersisted(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, det.Trained())
}

func TestTrainer_Due(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 30)
	tr, _ := newTrainer(store, nil, nil, nil)
	ctx := context.Background()

	assert.True(t, tr.due(ctx), "untrained detector is always due")
	_, err := tr.Train(ctx)
	require.NoError(t, err)
	assert.False(t, tr.due(ctx))

	tr.cfg.MinNewEvents = 5
	seed(t, store, 5)
	assert.True(t, tr.due(ctx))
}
