// Package features turns a security event plus its prior history into the fixed
// ten-component vector consumed by the outlier model.
//
// Every history lookup is bounded by the event's own timestamp (exclusive), so the
// vector for an event never depends on anything observed at or after it.
package features

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Size is the number of components in a feature vector.
const Size = 10

// Component indexes, in model order.
const (
	EventTypeRarity = iota
	SourceIPRarity
	EventFrequency
	PayloadEntropy
	SeverityScore
	HourOfDay
	IPLastOctet
	PortNormalized
	BytesNormalized
	DetailsComplexity
)

// Names lists component names in model order. A trained model records this list
// and refuses to load against a different one.
var Names = [Size]string{
	"event_type_rarity",
	"source_ip_rarity",
	"event_frequency",
	"payload_entropy",
	"severity_score",
	"hour_of_day",
	"ip_last_octet",
	"port_normalized",
	"bytes_normalized",
	"details_complexity",
}

// Vector is one extracted feature vector. Every component lies in [0,1].
type Vector [Size]float64

// Slice returns the components as a slice.
func (v Vector) Slice() []float64 {
	return v[:]
}

// Map returns the components keyed by name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, Size)
	for i, name := range Names {
		m[name] = v[i]
	}
	return m
}

// Config holds the normalization policy. The defaults reproduce the reference
// scoring behaviour; changing them invalidates previously trained models.
type Config struct {
	RarityDefault   float64       `yaml:"rarity_default"`
	FrequencyWindow time.Duration `yaml:"frequency_window"`
	FrequencyCap    float64       `yaml:"frequency_cap"`
	KeysCap         float64       `yaml:"keys_cap"`
	OctetMax        float64       `yaml:"octet_max"`
	PortMax         float64       `yaml:"port_max"`
}

// DefaultConfig returns the default normalization policy.
func DefaultConfig() Config {
	return Config{
		RarityDefault:   0.5,
		FrequencyWindow: 5 * time.Minute,
		FrequencyCap:    100,
		KeysCap:         50,
		OctetMax:        255,
		PortMax:         65535,
	}
}

// Validate checks the policy for values that would break normalization.
func (c Config) Validate() error {
	if c.RarityDefault < 0 || c.RarityDefault > 1 {
		return fmt.Errorf("features: rarity_default must be in [0,1], got %v", c.RarityDefault)
	}
	if c.FrequencyWindow <= 0 {
		return errors.New("features: frequency_window must be positive")
	}
	if c.FrequencyCap <= 0 || c.KeysCap <= 0 || c.OctetMax <= 0 || c.PortMax <= 0 {
		return errors.New("features: divisors must be positive")
	}
	return nil
}

// Neutral returns the value a component takes when it cannot be computed.
func (c Config) Neutral(component int) float64 {
	switch component {
	case EventTypeRarity, SourceIPRarity:
		return c.RarityDefault
	}
	return 0
}

var (
	// ErrMalformedEvent indicates a field could not be interpreted.
	ErrMalformedEvent = errors.New("features: malformed event field")

	// ErrHistoryUnavailable indicates a history lookup failed.
	ErrHistoryUnavailable = errors.New("features: history unavailable")
)

// Fallback records one component that was replaced by its neutral value.
type Fallback struct {
	Component int
	Err       error
}

// Name returns the component name.
func (f Fallback) Name() string {
	return Names[f.Component]
}

// ExtractionError lists the components that fell back to neutral values.
// The accompanying vector is still complete and usable.
type ExtractionError struct {
	Fallbacks []Fallback
}

func (e *ExtractionError) Error() string {
	parts := make([]string, len(e.Fallbacks))
	for i, f := range e.Fallbacks {
		parts[i] = fmt.Sprintf("%s: %v", f.Name(), f.Err)
	}
	return "features: neutral fallback for " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-component errors to errors.Is and errors.As.
func (e *ExtractionError) Unwrap() []error {
	errs := make([]error, len(e.Fallbacks))
	for i, f := range e.Fallbacks {
		errs[i] = f.Err
	}
	return errs
}

func clip01(x float64) float64 {
	switch {
	case x != x: // NaN
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
