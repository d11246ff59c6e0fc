package features

import (
	"context"
	"fmt"
	"math"
	"net/netip"

	"arc-sentinel/internal/schema"
)

// Extractor computes feature vectors.
type Extractor struct {
	rarity *RarityEstimator
	cfg    Config
}

// NewExtractor creates an Extractor reading from history.
func NewExtractor(history History, cfg Config) *Extractor {
	return &Extractor{
		rarity: NewRarityEstimator(history, cfg),
		cfg:    cfg,
	}
}

// Config returns the normalization policy in use.
func (x *Extractor) Config() Config {
	return x.cfg
}

// Extract computes the vector for e against history strictly before e.Timestamp.
//
// The returned vector is always complete. When a component cannot be computed it
// takes its neutral value and the returned error is an *ExtractionError naming it;
// callers should treat that error as a warning, not a failure.
func (x *Extractor) Extract(ctx context.Context, e *schema.Event) (Vector, error) {
	var (
		v         Vector
		fallbacks []Fallback
	)
	set := func(component int, value float64, err error) {
		if err != nil {
			fallbacks = append(fallbacks, Fallback{Component: component, Err: err})
			value = x.cfg.Neutral(component)
		}
		v[component] = clip01(value)
	}

	at := e.Timestamp
	if at.IsZero() {
		// Without a timestamp there is no safe history cut-off.
		err := fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
		set(EventTypeRarity, 0, err)
		set(SourceIPRarity, 0, err)
		set(EventFrequency, 0, err)
		set(HourOfDay, 0, err)
		set(BytesNormalized, 0, err)
	} else {
		value, err := x.rarity.TypeRarity(ctx, at, e.Type)
		set(EventTypeRarity, value, err)
		value, err = x.rarity.SourceRarity(ctx, at, e.SourceIP)
		set(SourceIPRarity, value, err)
		value, err = x.rarity.Frequency(ctx, at, e.SourceIP)
		set(EventFrequency, value, err)
		set(HourOfDay, float64(at.UTC().Hour())/24, nil)
		value, err = x.bytesNormalized(ctx, e)
		set(BytesNormalized, value, err)
	}

	value, err := payloadEntropy(e.Payload)
	set(PayloadEntropy, value, err)
	value, err = severityScore(e.Severity)
	set(SeverityScore, value, err)
	value, err = x.lastOctet(e.SourceIP)
	set(IPLastOctet, value, err)
	value, err = x.port(e.DestPort)
	set(PortNormalized, value, err)
	set(DetailsComplexity, float64(e.Payload.Keys())/x.cfg.KeysCap, nil)

	if len(fallbacks) > 0 {
		return v, &ExtractionError{Fallbacks: fallbacks}
	}
	return v, nil
}

func (x *Extractor) bytesNormalized(ctx context.Context, e *schema.Event) (float64, error) {
	if e.Bytes < 0 {
		return 0, fmt.Errorf("%w: negative byte count %d", ErrMalformedEvent, e.Bytes)
	}
	max, err := x.rarity.MaxBytes(ctx, e.Timestamp)
	if err != nil {
		return 0, err
	}
	if max <= 0 {
		return 0, nil
	}
	return math.Log1p(float64(e.Bytes)) / math.Log1p(float64(max)), nil
}

// lastOctet maps the final byte of an IP source to [0,1]. Hostnames and other
// non-IP identifiers are malformed for this component.
func (x *Extractor) lastOctet(source string) (float64, error) {
	if source == "" {
		return 0, nil
	}
	addr, err := netip.ParseAddr(source)
	if err != nil {
		return 0, fmt.Errorf("%w: source %q is not an IP address", ErrMalformedEvent, source)
	}
	b := addr.Unmap().AsSlice()
	return float64(b[len(b)-1]) / x.cfg.OctetMax, nil
}

func (x *Extractor) port(port int) (float64, error) {
	if port < 0 || float64(port) > x.cfg.PortMax {
		return 0, fmt.Errorf("%w: port %d out of range", ErrMalformedEvent, port)
	}
	return float64(port) / x.cfg.PortMax, nil
}

func payloadEntropy(p schema.Payload) (float64, error) {
	s, err := p.Canonical()
	if err != nil {
		return 0, fmt.Errorf("%w: payload not serializable: %v", ErrMalformedEvent, err)
	}
	return NormalizedEntropy(s), nil
}

func severityScore(s schema.Severity) (float64, error) {
	switch s {
	case schema.SeverityLow:
		return 0.25, nil
	case schema.SeverityMedium:
		return 0.5, nil
	case schema.SeverityHigh:
		return 0.75, nil
	case schema.SeverityCritical:
		return 1.0, nil
	}
	return 0, fmt.Errorf("%w: unknown severity %q", ErrMalformedEvent, s)
}
