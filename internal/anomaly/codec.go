package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Encode serializes a model as zstd-compressed JSON.
func Encode(m *Model) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("anomaly: encode model: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("anomaly: create zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, fmt.Errorf("anomaly: compress model: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("anomaly: compress model: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode and validates the result against the current feature
// layout.
func Decode(blob []byte) (*Model, error) {
	dec, err := zstd.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("anomaly: create zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrIncompatibleModel, err)
	}

	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrIncompatibleModel, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ModelStore persists the serialized model. Load returns ErrModelNotFound when
// nothing has been saved.
type ModelStore interface {
	Save(ctx context.Context, blob []byte, meta Metadata) error
	Load(ctx context.Context) ([]byte, Metadata, error)
}

// Save encodes m and writes it to store.
func Save(ctx context.Context, store ModelStore, m *Model) error {
	blob, err := Encode(m)
	if err != nil {
		return err
	}
	return store.Save(ctx, blob, m.Meta)
}

// Load reads and decodes the persisted model.
func Load(ctx context.Context, store ModelStore) (*Model, error) {
	blob, _, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Decode(blob)
}

// MemoryStore keeps the latest model blob in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	blob []byte
	meta Metadata
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, blob []byte, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = append([]byte(nil), blob...)
	s.meta = meta
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]byte, Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.blob == nil {
		return nil, Metadata{}, ErrModelNotFound
	}
	return append([]byte(nil), s.blob...), s.meta, nil
}

// FileStore writes the model blob to a file and its metadata to a JSON sidecar.
// Writes go through a temporary file and rename so readers never see a torn blob.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(_ context.Context, blob []byte, meta Metadata) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("anomaly: create model dir: %w", err)
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("anomaly: encode metadata: %w", err)
	}
	if err := writeAtomic(s.path+".json", metaJSON); err != nil {
		return err
	}
	return writeAtomic(s.path, blob)
}

func (s *FileStore) Load(_ context.Context) ([]byte, Metadata, error) {
	blob, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, Metadata{}, ErrModelNotFound
	}
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("anomaly: read model: %w", err)
	}

	var meta Metadata
	if metaJSON, err := os.ReadFile(s.path + ".json"); err == nil {
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, Metadata{}, fmt.Errorf("anomaly: decode metadata: %w", err)
		}
	}
	return blob, meta, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("anomaly: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("anomaly: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("anomaly: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("anomaly: rename %s: %w", path, err)
	}
	return nil
}
