// Package notify fans pipeline notifications out to operators and downstream
// systems.
package notify

import (
	"time"

	"arc-sentinel/internal/anomaly"
	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/schema"

	"github.com/google/uuid"
)

// Type identifies a notification.
type Type string

const (
	TypeNewEvent        Type = "new_event"
	TypeNewIncident     Type = "new_incident"
	TypeCriticalAlert   Type = "critical_alert"
	TypeIncidentUpdated Type = "incident_updated"
	TypeModelTrained    Type = "model_trained"
	TypeResponseAction  Type = "response_action"
)

// Priority orders delivery urgency.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityImmediate Priority = "immediate"
)

// Message is one notification.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	// Key groups related messages, for example the incident ID.
	Key  string `json:"key,omitempty"`
	Data any    `json:"data"`
}

func newMessage(t Type, key string, data any) Message {
	return Message{
		ID:        uuid.New(),
		Type:      t,
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
		Key:       key,
		Data:      data,
	}
}

// NewEvent announces a processed event.
func NewEvent(e *schema.Event) Message {
	return newMessage(TypeNewEvent, e.SourceIP, e)
}

// NewIncident announces an opened incident.
func NewIncident(inc *incident.Incident) Message {
	return newMessage(TypeNewIncident, inc.ID.String(), inc)
}

// CriticalAlert announces a critical incident for immediate delivery.
func CriticalAlert(inc *incident.Incident) Message {
	m := newMessage(TypeCriticalAlert, inc.ID.String(), inc)
	m.Priority = PriorityImmediate
	return m
}

// IncidentUpdated announces a status change.
func IncidentUpdated(inc *incident.Incident) Message {
	return newMessage(TypeIncidentUpdated, inc.ID.String(), inc)
}

// ModelTrained announces a newly installed model.
func ModelTrained(meta anomaly.Metadata) Message {
	return newMessage(TypeModelTrained, "model", meta)
}

// ResponseAction announces an executed response action.
func ResponseAction(incidentID uuid.UUID, action any) Message {
	return newMessage(TypeResponseAction, incidentID.String(), action)
}
