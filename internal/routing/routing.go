// Package routing decides what happens to a scored event: log it, or open an
// incident at a severity tier that may trigger automatic response.
//
// Route is a pure function of its inputs so it can be tested exhaustively.
package routing

import (
	"fmt"

	"arc-sentinel/internal/schema"
)

// Tier is the action taken for an event.
type Tier int

const (
	// TierLogOnly records the event without an incident.
	TierLogOnly Tier = iota
	// TierNotify opens a low or medium incident and notifies operators.
	TierNotify
	// TierReview opens a high incident flagged for analyst review.
	TierReview
	// TierAutoRespond opens a critical incident and emits response directives.
	TierAutoRespond
)

func (t Tier) String() string {
	switch t {
	case TierLogOnly:
		return "log_only"
	case TierNotify:
		return "notify"
	case TierReview:
		return "review"
	case TierAutoRespond:
		return "auto_respond"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, ok := ParseTier(string(b))
	if !ok {
		return fmt.Errorf("routing: unknown tier %q", b)
	}
	*t = parsed
	return nil
}

// ParseTier returns the tier with the given name.
func ParseTier(name string) (Tier, bool) {
	for t := TierLogOnly; t <= TierAutoRespond; t++ {
		if t.String() == name {
			return t, true
		}
	}
	return TierLogOnly, false
}

// Thresholds are the anomaly score cut-offs. Both are inclusive: a score equal
// to Anomaly is an anomaly, a score equal to Critical is critical.
type Thresholds struct {
	Anomaly  float64 `yaml:"anomaly"`
	Critical float64 `yaml:"critical"`
}

// DefaultThresholds returns the standard cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{Anomaly: 0.6, Critical: 0.8}
}

// Validate checks 0 < Anomaly <= Critical <= 1.
func (t Thresholds) Validate() error {
	if t.Anomaly <= 0 || t.Anomaly > 1 || t.Critical < t.Anomaly || t.Critical > 1 {
		return fmt.Errorf("routing: thresholds must satisfy 0 < anomaly <= critical <= 1, got %v/%v", t.Anomaly, t.Critical)
	}
	return nil
}

// Score is an optional anomaly score. An invalid Score means the event was not
// scored, for example because no model has been trained yet.
type Score struct {
	Value float64
	Valid bool
}

// Scored wraps a model score.
func Scored(v float64) Score {
	return Score{Value: v, Valid: true}
}

// Unscored is the absent score.
var Unscored = Score{}

// Anomalous reports whether the score reaches the anomaly threshold.
func (t Thresholds) Anomalous(s Score) bool {
	return s.Valid && s.Value >= t.Anomaly
}

// Implied returns the severity the score alone implies: critical at or above
// the critical threshold, high at or above the anomaly threshold, otherwise
// empty.
func (t Thresholds) Implied(s Score) schema.Severity {
	switch {
	case !s.Valid:
		return ""
	case s.Value >= t.Critical:
		return schema.SeverityCritical
	case s.Value >= t.Anomaly:
		return schema.SeverityHigh
	}
	return ""
}

// Decision is the routing outcome for one event.
type Decision struct {
	Tier           Tier            `json:"tier"`
	CreateIncident bool            `json:"create_incident"`
	Severity       schema.Severity `json:"severity,omitempty"`
	AutoRespond    bool            `json:"auto_respond"`
	// ModelOnly is set when the anomaly score alone caused the incident.
	ModelOnly bool `json:"model_only"`
}

// Route maps (rule match, anomaly score, declared severity) to a decision.
//
// No rule match and a score below the anomaly threshold logs only. Otherwise an
// incident is opened at max(declared, score-implied) severity, and a critical
// incident requests automatic response. An unscored event routes on the rule
// result alone.
func (t Thresholds) Route(ruleMatch bool, score Score, declared schema.Severity) Decision {
	anomalous := t.Anomalous(score)
	if !ruleMatch && !anomalous {
		return Decision{Tier: TierLogOnly}
	}

	sev := schema.MaxSeverity(declared, t.Implied(score))
	if !sev.IsValid() {
		sev = schema.SeverityLow
	}

	d := Decision{
		CreateIncident: true,
		Severity:       sev,
		ModelOnly:      !ruleMatch,
	}
	switch sev {
	case schema.SeverityCritical:
		d.Tier = TierAutoRespond
		d.AutoRespond = true
	case schema.SeverityHigh:
		d.Tier = TierReview
	default:
		d.Tier = TierNotify
	}
	return d
}

// Route applies the default thresholds.
func Route(ruleMatch bool, score Score, declared schema.Severity) Decision {
	return DefaultThresholds().Route(ruleMatch, score, declared)
}
