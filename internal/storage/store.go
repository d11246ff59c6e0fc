package storage

import (
	"context"
	"time"

	"arc-sentinel/internal/schema"
)

// Filter selects stored events. Start is inclusive and End is exclusive; a zero
// bound is open. Empty Type or SourceIP match every event.
type Filter struct {
	Start    time.Time
	End      time.Time
	Type     string
	SourceIP string
	Limit    int
	// Desc returns the newest events first.
	Desc bool
}

// Before returns a filter covering everything strictly before t.
func Before(t time.Time) Filter {
	return Filter{End: t}
}

// Matches reports whether the event satisfies the filter, ignoring Limit.
func (f Filter) Matches(e *schema.Event) bool {
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !e.Timestamp.Before(f.End) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.SourceIP != "" && e.SourceIP != f.SourceIP {
		return false
	}
	return true
}

// EventStore persists events and serves aggregate history lookups.
type EventStore interface {
	Insert(ctx context.Context, event *schema.Event) error
	Query(ctx context.Context, f Filter) ([]*schema.Event, error)
	Count(ctx context.Context, f Filter) (int64, error)
	MaxBytes(ctx context.Context, f Filter) (int64, error)
	Close() error
}
