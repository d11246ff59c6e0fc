package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"arc-sentinel/internal/anomaly"
)

const (
	currentModelKey = "models/current.zst"
	currentMetaKey  = "models/current.json"
)

// ModelStore persists the anomaly model. Each save writes a timestamped copy
// under models/history/ and then replaces the current blob and its metadata
// sidecar.
type ModelStore struct {
	client *Client
}

// NewModelStore creates a ModelStore on client.
func NewModelStore(client *Client) *ModelStore {
	return &ModelStore{client: client}
}

func historyKey(meta anomaly.Metadata) string {
	return fmt.Sprintf("models/history/%s.zst", meta.TrainedAt.UTC().Format("20060102T150405.000000000Z"))
}

// Save implements anomaly.ModelStore.
func (s *ModelStore) Save(ctx context.Context, blob []byte, meta anomaly.Metadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("s3: encode model metadata: %w", err)
	}
	headers := map[string]string{
		"samples":    strconv.Itoa(meta.Samples),
		"trained-at": meta.TrainedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}

	if err := s.client.Put(ctx, historyKey(meta), blob, "application/zstd", headers); err != nil {
		return err
	}
	if err := s.client.Put(ctx, currentMetaKey, metaJSON, "application/json", nil); err != nil {
		return err
	}
	return s.client.Put(ctx, currentModelKey, blob, "application/zstd", headers)
}

// Load implements anomaly.ModelStore.
func (s *ModelStore) Load(ctx context.Context) ([]byte, anomaly.Metadata, error) {
	blob, err := s.client.Get(ctx, currentModelKey)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, anomaly.Metadata{}, anomaly.ErrModelNotFound
	}
	if err != nil {
		return nil, anomaly.Metadata{}, err
	}

	var meta anomaly.Metadata
	metaJSON, err := s.client.Get(ctx, currentMetaKey)
	switch {
	case errors.Is(err, ErrObjectNotFound):
	case err != nil:
		return nil, anomaly.Metadata{}, err
	default:
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, anomaly.Metadata{}, fmt.Errorf("s3: decode model metadata: %w", err)
		}
	}
	return blob, meta, nil
}

var _ anomaly.ModelStore = (*ModelStore)(nil)
