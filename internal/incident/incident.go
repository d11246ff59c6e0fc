// Package incident tracks incidents raised by the pipeline through their
// open, investigating and resolved states.
package incident

import (
	"encoding/json"
	"errors"
	"time"

	"arc-sentinel/internal/detection"
	"arc-sentinel/internal/routing"
	"arc-sentinel/internal/schema"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("incident not found")
	ErrInvalidTransition = errors.New("invalid incident status transition")
	ErrReportNotFound    = errors.New("forensic report not found")
)

// Status represents the lifecycle state of an incident.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved:
		return true
	}
	return false
}

// CanTransition reports whether an incident may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusInvestigating || next == StatusResolved
	case StatusInvestigating:
		return next == StatusResolved
	}
	return false
}

// Incident is a managed security incident.
type Incident struct {
	ID             uuid.UUID               `json:"id"`
	Classification string                  `json:"classification"`
	RuleID         string                  `json:"rule_id,omitempty"`
	Severity       schema.Severity         `json:"severity"`
	Tier           routing.Tier            `json:"tier"`
	Status         Status                  `json:"status"`
	Description    string                  `json:"description"`
	SourceIP       string                  `json:"source_ip,omitempty"`
	DestIP         string                  `json:"dest_ip,omitempty"`
	EventID        uuid.UUID               `json:"event_id"`
	EventIDs       []uuid.UUID             `json:"event_ids,omitempty"`
	EventCount     int                     `json:"event_count"`
	Score          float64                 `json:"anomaly_score"`
	Scored         bool                    `json:"scored"`
	ModelOnly      bool                    `json:"model_only"`
	Indicators     []string                `json:"indicators,omitempty"`
	MITRE          *detection.MITREMapping `json:"mitre,omitempty"`
	Notes          []Note                  `json:"notes,omitempty"`
	Summary        string                  `json:"summary,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	InvestigatedAt *time.Time              `json:"investigated_at,omitempty"`
	InvestigatedBy string                  `json:"investigated_by,omitempty"`
	ResolvedAt     *time.Time              `json:"resolved_at,omitempty"`
	ResolvedBy     string                  `json:"resolved_by,omitempty"`
	Resolution     string                  `json:"resolution_notes,omitempty"`
}

// Note is an analyst note on an incident.
type Note struct {
	ID        uuid.UUID `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy so stored incidents are never shared with callers.
func (i *Incident) Clone() *Incident {
	c := *i
	c.EventIDs = append([]uuid.UUID(nil), i.EventIDs...)
	c.Indicators = append([]string(nil), i.Indicators...)
	c.Notes = append([]Note(nil), i.Notes...)
	if i.MITRE != nil {
		m := *i.MITRE
		c.MITRE = &m
	}
	if i.InvestigatedAt != nil {
		t := *i.InvestigatedAt
		c.InvestigatedAt = &t
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Report is a forensic report stored alongside an incident.
type Report struct {
	IncidentID uuid.UUID       `json:"incident_id"`
	Data       json.RawMessage `json:"forensic_data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status         Status
	Severity       schema.Severity
	Classification string
	SourceIP       string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

func (f Filter) matches(inc *Incident) bool {
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	if f.Classification != "" && inc.Classification != f.Classification {
		return false
	}
	if f.SourceIP != "" && inc.SourceIP != f.SourceIP {
		return false
	}
	if !f.Since.IsZero() && inc.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && inc.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// Stats summarises stored incidents.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	BySeverity map[string]int `json:"by_severity"`
}
