// Package anomaly implements the Isolation Forest outlier model and the detector
// that owns the single shared trained instance.
package anomaly

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData indicates training was attempted with too few vectors.
	// Callers should accumulate more history and retry.
	ErrInsufficientData = errors.New("anomaly: insufficient training data")

	// ErrModelNotTrained indicates scoring was attempted before any successful
	// training. Callers should fall back to rule-based detection.
	ErrModelNotTrained = errors.New("anomaly: model not trained")

	// ErrModelNotFound indicates no persisted model exists.
	ErrModelNotFound = errors.New("anomaly: persisted model not found")

	// ErrIncompatibleModel indicates a persisted model was built for a different
	// feature layout.
	ErrIncompatibleModel = errors.New("anomaly: incompatible model")

	// ErrInvalidConfig indicates invalid training parameters.
	ErrInvalidConfig = errors.New("anomaly: invalid training config")
)

// InsufficientDataError reports how many samples were supplied and required.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("anomaly: insufficient training data: have %d samples, need %d", e.Have, e.Need)
}

// Unwrap lets errors.Is match ErrInsufficientData.
func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}
