package notify

import (
	"context"

	"arc-sentinel/internal/response"
)

// Escalator turns escalation directives into immediate critical alerts.
type Escalator struct {
	out Broadcaster
}

// NewEscalator creates an Escalator publishing through out.
func NewEscalator(out Broadcaster) *Escalator {
	return &Escalator{out: out}
}

// Escalate implements response.Escalator.
func (e *Escalator) Escalate(ctx context.Context, d response.Directive) error {
	m := newMessage(TypeCriticalAlert, d.IncidentID.String(), d)
	m.Priority = PriorityImmediate
	e.out.Broadcast(ctx, m)
	return nil
}

var _ response.Escalator = (*Escalator)(nil)
