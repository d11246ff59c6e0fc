// Package response plans and executes automated containment for incidents.
package response

import (
	"fmt"
	"time"

	"arc-sentinel/internal/detection"
	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/schema"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Kind is the type of response directive.
type Kind string

const (
	KindEscalate         Kind = "escalate_notification"
	KindIsolateProcess   Kind = "isolate_process"
	KindQuarantineDevice Kind = "quarantine_device"
	KindRevokeSession    Kind = "revoke_session"
)

// Directive is one planned response step.
type Directive struct {
	Kind       Kind            `json:"kind"`
	IncidentID uuid.UUID       `json:"incident_id"`
	Severity   schema.Severity `json:"severity"`
	Threat     string          `json:"threat"`
	PID        int32           `json:"pid,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	IP         string          `json:"ip,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Reason     string          `json:"reason"`
}

// key identifies the target of a directive for deduplication.
func (d Directive) key() string {
	switch d.Kind {
	case KindIsolateProcess:
		return fmt.Sprintf("%s|%d", d.Kind, d.PID)
	case KindQuarantineDevice:
		return fmt.Sprintf("%s|%s", d.Kind, d.DeviceID)
	case KindRevokeSession:
		return fmt.Sprintf("%s|%s", d.Kind, d.UserID)
	}
	return fmt.Sprintf("%s|%s", d.Kind, d.IncidentID)
}

// PlannerConfig configures directive planning.
type PlannerConfig struct {
	// DedupeTTL suppresses repeat directives against the same target.
	DedupeTTL  time.Duration `yaml:"dedupe_ttl"`
	DedupeSize int           `yaml:"dedupe_size"`
}

// DefaultPlannerConfig returns default planner settings.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		DedupeTTL:  10 * time.Minute,
		DedupeSize: 4096,
	}
}

// Planner maps incidents to directives.
type Planner struct {
	recent *expirable.LRU[string, time.Time]
}

// NewPlanner creates a Planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultPlannerConfig().DedupeSize
	}
	return &Planner{
		recent: expirable.NewLRU[string, time.Time](cfg.DedupeSize, nil, cfg.DedupeTTL),
	}
}

// Plan returns the directives for an incident, skipping any whose target was
// already acted on within the dedupe TTL. Critical incidents are always
// escalated; the remaining directives depend on the classification.
func (p *Planner) Plan(inc *incident.Incident, e *schema.Event) []Directive {
	base := Directive{
		IncidentID: inc.ID,
		Severity:   inc.Severity,
		Threat:     inc.Classification,
	}

	var planned []Directive
	if inc.Severity == schema.SeverityCritical {
		d := base
		d.Kind = KindEscalate
		d.Reason = fmt.Sprintf("critical %s incident", inc.Classification)
		planned = append(planned, d)
	}

	switch inc.Classification {
	case detection.ClassMalware:
		if pid, err := e.Payload.PID(); err == nil && pid > 0 {
			d := base
			d.Kind = KindIsolateProcess
			d.PID = pid
			d.Reason = "malware detected"
			planned = append(planned, d)
		}
	case detection.ClassBruteForce:
		if inc.SourceIP != "" {
			d := base
			d.Kind = KindQuarantineDevice
			d.DeviceID = "device_" + inc.SourceIP
			d.IP = inc.SourceIP
			d.Reason = "brute force source"
			planned = append(planned, d)
		}
	case detection.ClassPrivilegeEscalation:
		d := base
		d.Kind = KindRevokeSession
		d.UserID = userOf(e)
		d.Reason = "privilege escalation"
		planned = append(planned, d)
	case detection.ClassMaliciousTraffic:
		if inc.DestIP != "" {
			d := base
			d.Kind = KindQuarantineDevice
			d.DeviceID = "device_" + inc.DestIP
			d.IP = inc.DestIP
			d.Reason = "known malicious destination"
			planned = append(planned, d)
		}
	}

	out := planned[:0]
	for _, d := range planned {
		if d.Kind != KindEscalate {
			if _, seen := p.recent.Get(d.key()); seen {
				continue
			}
		}
		p.recent.Add(d.key(), time.Now())
		out = append(out, d)
	}
	return out
}

func userOf(e *schema.Event) string {
	for _, key := range []string{"user_id", "username", "user"} {
		if v, ok := e.Payload.String(key); ok && v != "" {
			return v
		}
	}
	return "unknown"
}
