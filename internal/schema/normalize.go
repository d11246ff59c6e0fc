package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload keys that older telemetry sources use for fields that now live on Event.
const (
	payloadKeyPort   = "port"
	payloadKeyBytes  = "bytes"
	payloadKeyDestIP = "destination_ip"
)

// Normalize fills defaults and lifts legacy payload fields onto the event.
// Payload values that cannot be interpreted are left in place.
func Normalize(e *Event, now time.Time) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now.UTC()
	}
	e.Type = strings.ToLower(strings.TrimSpace(e.Type))
	e.SourceIP = strings.TrimSpace(e.SourceIP)
	if e.Severity == "" {
		e.Severity = SeverityLow
	}

	if e.DestPort == 0 {
		if port, ok := e.Payload.Int(payloadKeyPort); ok && port > 0 && port <= 65535 {
			e.DestPort = int(port)
		}
	}
	if e.Bytes == 0 {
		if n, ok := e.Payload.Int(payloadKeyBytes); ok && n > 0 {
			e.Bytes = n
		}
	}
	if e.DestIP == "" {
		if ip, ok := e.Payload.String(payloadKeyDestIP); ok {
			e.DestIP = strings.TrimSpace(ip)
		}
	}
}
