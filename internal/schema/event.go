// Package schema defines the canonical security event processed by arc-sentinel.
// Every ingested event is normalized to this structure before scoring and storage.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is one observed security occurrence. Events are immutable once ingested;
// the only change ever applied is attaching the outlier-model verdict via WithVerdict.
type Event struct {
	// Required fields
	ID        uuid.UUID `json:"id" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Type      string    `json:"event_type" validate:"required,max=128,type_format"`
	Severity  Severity  `json:"severity" validate:"required,severity"`
	SourceIP  string    `json:"source_ip" validate:"required,max=256"`

	// Optional fields
	DestIP   string  `json:"destination_ip,omitempty" validate:"max=256"`
	DestPort int     `json:"destination_port,omitempty" validate:"min=0,max=65535"`
	Bytes    int64   `json:"bytes,omitempty" validate:"min=0"`
	Payload  Payload `json:"payload,omitempty"`

	// Set by the pipeline
	Anomaly    Verdict   `json:"anomaly"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Verdict records whether and how strongly the outlier model flagged an event.
// Score is only meaningful when Scored is true.
type Verdict struct {
	Scored  bool    `json:"scored"`
	Flagged bool    `json:"flagged"`
	Score   float64 `json:"score"`
}

// WithVerdict returns a copy of the event carrying the given verdict.
func (e Event) WithVerdict(v Verdict) Event {
	e.Anomaly = v
	return e
}

// Severity is the ordered severity label of an event or incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity parses a case-insensitive severity label.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// UnmarshalJSON accepts severity labels in any case.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("severity must be a string: %w", err)
	}
	// Unknown labels are kept verbatim and rejected by the validator.
	if sev, err := ParseSeverity(raw); err == nil {
		*s = sev
		return nil
	}
	*s = Severity(raw)
	return nil
}

// Well-known event types produced by the telemetry sources.
const (
	TypeLoginSuccess      = "login_success"
	TypeLoginFailure      = "login_failure"
	TypeProcessStart      = "process_start"
	TypeNetworkConnection = "network_connection"
	TypeFileAccess        = "file_access"
	TypePortScan          = "port_scan"
	TypeUserChange        = "user_change"
	TypeWebRequest        = "web_request"
)

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
