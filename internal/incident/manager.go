package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"arc-sentinel/internal/detection"
	"arc-sentinel/internal/routing"
	"arc-sentinel/internal/schema"

	"github.com/google/uuid"
)

// ManagerConfig configures the incident manager.
type ManagerConfig struct {
	// DeduplicationWindow folds repeat incidents with the same classification
	// and source into the open one. Zero disables folding.
	DeduplicationWindow time.Duration `yaml:"deduplication_window"`
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{}
}

// OpenRequest carries what the pipeline knows when it decides to open an
// incident.
type OpenRequest struct {
	Event    *schema.Event
	Decision routing.Decision
	// Match is the winning rule, nil when the model alone fired.
	Match *detection.Match
}

// Outcome reports what Open did with an event.
type Outcome int

const (
	// Created means a new incident was opened.
	Created Outcome = iota + 1
	// Folded means the event joined an open incident without raising its tier.
	Folded
	// Escalated means the event joined an open incident and raised its tier.
	Escalated
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Folded:
		return "folded"
	case Escalated:
		return "escalated"
	}
	return "unknown"
}

// Manager applies lifecycle rules on top of a Store.
type Manager struct {
	config ManagerConfig
	store  Store
	now    func() time.Time

	// mu serialises read-modify-write cycles against the store.
	mu        sync.Mutex
	dedup     map[string]dedupEntry
	lastPrune time.Time
}

type dedupEntry struct {
	id   uuid.UUID
	seen time.Time
}

// NewManager creates a Manager over store.
func NewManager(config ManagerConfig, store Store) *Manager {
	return &Manager{
		config: config,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		dedup:  make(map[string]dedupEntry),
	}
}

// Open creates an incident for an event, or folds it into a recent open
// incident with the same classification and source. Expired deduplication
// entries are pruned at most once per window.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Incident, Outcome, error) {
	if req.Event == nil {
		return nil, 0, errors.New("incident: open requires an event")
	}
	e := req.Event
	now := m.now()

	classification := detection.ClassMLAnomaly
	description := fmt.Sprintf("Anomalous %s event from %s (score %.3f)", e.Type, sourceOrUnknown(e.SourceIP), e.Anomaly.Score)
	var (
		ruleID     string
		indicators []string
		mitre      *detection.MITREMapping
	)
	if req.Match != nil {
		classification = req.Match.Classification
		description = req.Match.Description
		ruleID = req.Match.RuleID
		indicators = append(indicators, req.Match.Indicators...)
		mitre = req.Match.MITRE
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := classification + "|" + e.SourceIP
	if m.config.DeduplicationWindow > 0 {
		if now.Sub(m.lastPrune) >= m.config.DeduplicationWindow {
			m.pruneLocked(now)
		}
		if entry, ok := m.dedup[key]; ok && now.Sub(entry.seen) < m.config.DeduplicationWindow {
			inc, err := m.store.Get(ctx, entry.id)
			if err == nil && inc.Status != StatusResolved {
				inc.EventIDs = append(inc.EventIDs, e.ID)
				inc.EventCount++
				inc.Severity = schema.MaxSeverity(inc.Severity, req.Decision.Severity)
				outcome := Folded
				if req.Decision.Tier > inc.Tier {
					inc.Tier = req.Decision.Tier
					outcome = Escalated
				}
				inc.UpdatedAt = now
				if err := m.store.Update(ctx, inc); err != nil {
					return nil, 0, err
				}
				m.dedup[key] = dedupEntry{id: inc.ID, seen: now}
				slog.Debug("folded event into open incident",
					"incident_id", inc.ID,
					"event_id", e.ID,
					"outcome", outcome.String(),
					"tier", inc.Tier.String(),
				)
				return inc, outcome, nil
			}
		}
	}

	inc := &Incident{
		ID:             uuid.New(),
		Classification: classification,
		RuleID:         ruleID,
		Severity:       req.Decision.Severity,
		Tier:           req.Decision.Tier,
		Status:         StatusOpen,
		Description:    description,
		SourceIP:       e.SourceIP,
		DestIP:         e.DestIP,
		EventID:        e.ID,
		EventIDs:       []uuid.UUID{e.ID},
		EventCount:     1,
		Score:          e.Anomaly.Score,
		Scored:         e.Anomaly.Scored,
		ModelOnly:      req.Decision.ModelOnly,
		Indicators:     indicators,
		MITRE:          mitre,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.Create(ctx, inc); err != nil {
		return nil, 0, err
	}
	if m.config.DeduplicationWindow > 0 {
		m.dedup[key] = dedupEntry{id: inc.ID, seen: now}
	}

	slog.Info("incident opened",
		"incident_id", inc.ID,
		"classification", inc.Classification,
		"severity", inc.Severity,
		"tier", inc.Tier.String(),
		"source_ip", inc.SourceIP,
	)
	return inc, Created, nil
}

// Get returns an incident by ID.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Incident, error) {
	return m.store.Get(ctx, id)
}

// List returns incidents matching f, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Incident, error) {
	return m.store.List(ctx, f)
}

// Investigate marks an open incident as under investigation.
func (m *Manager) Investigate(ctx context.Context, id uuid.UUID, by string) (*Incident, error) {
	return m.transition(ctx, id, StatusInvestigating, func(inc *Incident, now time.Time) {
		inc.InvestigatedAt = &now
		inc.InvestigatedBy = by
	})
}

// Resolve closes an incident with resolution notes.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, by, notes string) (*Incident, error) {
	return m.transition(ctx, id, StatusResolved, func(inc *Incident, now time.Time) {
		inc.ResolvedAt = &now
		inc.ResolvedBy = by
		inc.Resolution = notes
	})
}

func (m *Manager) transition(ctx context.Context, id uuid.UUID, next Status, apply func(*Incident, time.Time)) (*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inc.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, next)
	}

	now := m.now()
	prev := inc.Status
	inc.Status = next
	inc.UpdatedAt = now
	apply(inc, now)
	if err := m.store.Update(ctx, inc); err != nil {
		return nil, err
	}

	slog.Info("incident status changed", "incident_id", id, "from", prev, "to", next)
	return inc, nil
}

// AddNote appends an analyst note.
func (m *Manager) AddNote(ctx context.Context, id uuid.UUID, author, content string) (*Incident, error) {
	return m.modify(ctx, id, func(inc *Incident, now time.Time) {
		inc.Notes = append(inc.Notes, Note{
			ID:        uuid.New(),
			Author:    author,
			Content:   content,
			CreatedAt: now,
		})
	})
}

// SetSummary stores a narrative summary on the incident.
func (m *Manager) SetSummary(ctx context.Context, id uuid.UUID, summary string) (*Incident, error) {
	return m.modify(ctx, id, func(inc *Incident, _ time.Time) {
		inc.Summary = summary
	})
}

func (m *Manager) modify(ctx context.Context, id uuid.UUID, apply func(*Incident, time.Time)) (*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	apply(inc, now)
	inc.UpdatedAt = now
	if err := m.store.Update(ctx, inc); err != nil {
		return nil, err
	}
	return inc, nil
}

// AttachReport stores a forensic report for an incident. Any JSON-encodable
// value is accepted.
func (m *Manager) AttachReport(ctx context.Context, id uuid.UUID, report any) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("incident: failed to encode report: %w", err)
	}
	return m.store.SaveReport(ctx, Report{IncidentID: id, Data: data, CreatedAt: m.now()})
}

// Report returns the forensic report for an incident.
func (m *Manager) Report(ctx context.Context, id uuid.UUID) (Report, error) {
	return m.store.Report(ctx, id)
}

// Stats counts incidents by status and severity.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	all, err := m.store.List(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Total:      len(all),
		ByStatus:   make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, inc := range all {
		stats.ByStatus[string(inc.Status)]++
		stats.BySeverity[string(inc.Severity)]++
	}
	return stats, nil
}

func (m *Manager) dedupEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dedup)
}

// pruneLocked drops entries that can no longer fold an event. m.mu must be
// held.
func (m *Manager) pruneLocked(now time.Time) {
	m.lastPrune = now
	for key, entry := range m.dedup {
		if now.Sub(entry.seen) >= m.config.DeduplicationWindow {
			delete(m.dedup, key)
		}
	}
}

func sourceOrUnknown(ip string) string {
	if ip == "" {
		return "unknown"
	}
	return ip
}
