// Package forensics snapshots host state and related activity when an
// incident is opened.
package forensics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/storage"

	"github.com/google/uuid"
)

// HostInfo describes the collecting host.
type HostInfo struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform"`
	KernelVersion string  `json:"kernel_version"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUCount      int     `json:"cpu_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ProcessSnapshot is one running process.
type ProcessSnapshot struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	Username      string  `json:"username,omitempty"`
	Cmdline       string  `json:"cmdline,omitempty"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent"`
}

// TimelineEntry is one event related to the incident.
type TimelineEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	EventID     uuid.UUID `json:"event_id"`
	EventType   string    `json:"event_type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
}

// ArtifactType classifies evidence.
type ArtifactType string

const (
	ArtifactHostSnapshot    ArtifactType = "host_snapshot"
	ArtifactProcessList     ArtifactType = "process_list"
	ArtifactSuspectProcess  ArtifactType = "suspect_process"
	ArtifactRelatedActivity ArtifactType = "related_activity"
)

// Artifact is a hashed piece of evidence.
type Artifact struct {
	ID          uuid.UUID    `json:"id"`
	Type        ArtifactType `json:"type"`
	Name        string       `json:"name"`
	Hash        string       `json:"hash"`
	Size        int          `json:"size"`
	CollectedAt time.Time    `json:"collected_at"`
}

// Report is the evidence collected for one incident.
type Report struct {
	ID           uuid.UUID         `json:"id"`
	IncidentID   uuid.UUID         `json:"incident_id"`
	CollectedAt  time.Time         `json:"collected_at"`
	Host         HostInfo          `json:"host"`
	TopProcesses []ProcessSnapshot `json:"top_processes"`
	Suspect      *ProcessSnapshot  `json:"suspect_process,omitempty"`
	Connections  int               `json:"connections"`
	Timeline     []TimelineEntry   `json:"timeline"`
	Artifacts    []Artifact        `json:"artifacts"`
	// Errors lists the collection steps that failed. A report is returned
	// even when every step fails.
	Errors []string `json:"errors,omitempty"`
}

// HostSource reads live host state.
type HostSource interface {
	Host(ctx context.Context) (HostInfo, error)
	Processes(ctx context.Context) ([]ProcessSnapshot, error)
	Process(ctx context.Context, pid int32) (ProcessSnapshot, error)
	Connections(ctx context.Context) (int, error)
}

// Config configures collection.
type Config struct {
	TopProcesses   int           `yaml:"top_processes"`
	TimelineWindow time.Duration `yaml:"timeline_window"`
	TimelineLimit  int           `yaml:"timeline_limit"`
}

// DefaultConfig returns default collection settings.
func DefaultConfig() Config {
	return Config{
		TopProcesses:   10,
		TimelineWindow: 10 * time.Minute,
		TimelineLimit:  50,
	}
}

// Collector builds forensic reports.
type Collector struct {
	config  Config
	source  HostSource
	history storage.EventStore
	now     func() time.Time
}

// NewCollector creates a Collector. history may be nil, in which case reports
// carry no timeline.
func NewCollector(cfg Config, source HostSource, history storage.EventStore) *Collector {
	if cfg.TopProcesses <= 0 {
		cfg.TopProcesses = DefaultConfig().TopProcesses
	}
	return &Collector{config: cfg, source: source, history: history, now: time.Now}
}

// Collect snapshots the host and the incident's related activity. Collection
// is best-effort: failed steps are recorded in Report.Errors.
func (c *Collector) Collect(ctx context.Context, inc *incident.Incident, pid int32) Report {
	r := Report{
		ID:          uuid.New(),
		IncidentID:  inc.ID,
		CollectedAt: c.now().UTC(),
	}
	fail := func(step string, err error) {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", step, err))
		slog.Warn("forensic collection step failed", "incident_id", inc.ID, "step", step, "error", err)
	}

	if c.source != nil {
		if host, err := c.source.Host(ctx); err != nil {
			fail("host", err)
		} else {
			r.Host = host
			c.addArtifact(&r, ArtifactHostSnapshot, host.Hostname, host)
		}

		if procs, err := c.source.Processes(ctx); err != nil {
			fail("processes", err)
		} else {
			r.TopProcesses = topByCPU(procs, c.config.TopProcesses)
			c.addArtifact(&r, ArtifactProcessList, fmt.Sprintf("%d processes", len(procs)), r.TopProcesses)
		}

		if pid > 0 {
			if p, err := c.source.Process(ctx, pid); err != nil {
				fail("suspect_process", err)
			} else {
				r.Suspect = &p
				c.addArtifact(&r, ArtifactSuspectProcess, p.Name, p)
			}
		}

		if n, err := c.source.Connections(ctx); err != nil {
			fail("connections", err)
		} else {
			r.Connections = n
		}
	}

	if c.history != nil && inc.SourceIP != "" {
		timeline, err := c.timeline(ctx, inc)
		if err != nil {
			fail("timeline", err)
		} else {
			r.Timeline = timeline
			c.addArtifact(&r, ArtifactRelatedActivity, inc.SourceIP, timeline)
		}
	}

	return r
}

// timeline returns the source's events in the window ending at the incident,
// inclusive of the triggering event.
func (c *Collector) timeline(ctx context.Context, inc *incident.Incident) ([]TimelineEntry, error) {
	end := inc.CreatedAt.Add(time.Nanosecond)
	events, err := c.history.Query(ctx, storage.Filter{
		Start:    inc.CreatedAt.Add(-c.config.TimelineWindow),
		End:      end,
		SourceIP: inc.SourceIP,
		Limit:    c.config.TimelineLimit,
		Desc:     true,
	})
	if err != nil {
		return nil, err
	}

	out := make([]TimelineEntry, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		desc := fmt.Sprintf("%s from %s", e.Type, e.SourceIP)
		if e.DestIP != "" {
			desc += " to " + e.DestIP
		}
		if e.Anomaly.Flagged {
			desc += fmt.Sprintf(" (anomaly %.3f)", e.Anomaly.Score)
		}
		out = append(out, TimelineEntry{
			Timestamp:   e.Timestamp,
			EventID:     e.ID,
			EventType:   e.Type,
			Severity:    string(e.Severity),
			Description: desc,
		})
	}
	return out, nil
}

func (c *Collector) addArtifact(r *Report, t ArtifactType, name string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	sum := sha256.Sum256(raw)
	r.Artifacts = append(r.Artifacts, Artifact{
		ID:          uuid.New(),
		Type:        t,
		Name:        name,
		Hash:        hex.EncodeToString(sum[:]),
		Size:        len(raw),
		CollectedAt: r.CollectedAt,
	})
}

func topByCPU(procs []ProcessSnapshot, n int) []ProcessSnapshot {
	sorted := append([]ProcessSnapshot(nil), procs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CPUPercent != sorted[j].CPUPercent {
			return sorted[i].CPUPercent > sorted[j].CPUPercent
		}
		return sorted[i].PID < sorted[j].PID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
