package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action statuses.
const (
	StatusSuccess     = "success"
	StatusQuarantined = "quarantined"
	StatusRevoked     = "revoked"
	StatusEscalated   = "escalated"
	StatusNotFound    = "not_found"
	StatusError       = "error"
)

// Action is the recorded outcome of executing a directive.
type Action struct {
	ID            uuid.UUID `json:"id"`
	Kind          Kind      `json:"action"`
	IncidentID    uuid.UUID `json:"incident_id"`
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	PID           int32     `json:"pid,omitempty"`
	ProcessName   string    `json:"process_name,omitempty"`
	ProcessStatus string    `json:"process_status,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	IP            string    `json:"ip,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Escalator delivers escalation notices for critical incidents.
type Escalator interface {
	Escalate(ctx context.Context, d Directive) error
}

// Executor carries out directives and records every action.
type Executor struct {
	probe     ProcessProbe
	state     StateStore
	escalator Escalator
	log       *ActionLog
}

// NewExecutor creates an Executor. A nil escalator records escalations without
// delivering them.
func NewExecutor(probe ProcessProbe, state StateStore, escalator Escalator, log *ActionLog) *Executor {
	return &Executor{probe: probe, state: state, escalator: escalator, log: log}
}

// Execute runs one directive. Failures are reported in the returned action;
// the action is always appended to the log.
func (x *Executor) Execute(ctx context.Context, d Directive) Action {
	a := Action{
		ID:         uuid.New(),
		Kind:       d.Kind,
		IncidentID: d.IncidentID,
		Timestamp:  time.Now().UTC(),
	}

	var err error
	switch d.Kind {
	case KindEscalate:
		err = x.escalate(ctx, d, &a)
	case KindIsolateProcess:
		err = x.isolate(ctx, d, &a)
	case KindQuarantineDevice:
		err = x.quarantine(ctx, d, &a)
	case KindRevokeSession:
		err = x.revoke(ctx, d, &a)
	default:
		err = fmt.Errorf("unknown directive kind %q", d.Kind)
	}
	if err != nil {
		a.Status = StatusError
		a.Error = err.Error()
		slog.Error("response action failed",
			"action", d.Kind,
			"incident_id", d.IncidentID,
			"error", err,
		)
	} else {
		slog.Info("response action executed",
			"action", d.Kind,
			"incident_id", d.IncidentID,
			"status", a.Status,
		)
	}

	x.log.Append(a)
	return a
}

// ExecuteAll runs directives in order.
func (x *Executor) ExecuteAll(ctx context.Context, ds []Directive) []Action {
	actions := make([]Action, 0, len(ds))
	for _, d := range ds {
		actions = append(actions, x.Execute(ctx, d))
	}
	return actions
}

func (x *Executor) escalate(ctx context.Context, d Directive, a *Action) error {
	if x.escalator != nil {
		if err := x.escalator.Escalate(ctx, d); err != nil {
			return err
		}
	}
	a.Status = StatusEscalated
	a.Message = fmt.Sprintf("CRITICAL ALERT: %s incident %s escalated", d.Threat, d.IncidentID)
	return nil
}

// isolate marks a process for isolation. The process is inspected, never
// signalled.
func (x *Executor) isolate(ctx context.Context, d Directive, a *Action) error {
	a.PID = d.PID
	info, err := x.probe.Lookup(ctx, d.PID)
	switch {
	case errors.Is(err, ErrProcessNotFound):
		a.Status = StatusNotFound
		a.Message = fmt.Sprintf("Process %d does not exist", d.PID)
		return nil
	case err != nil:
		return err
	}

	a.ProcessName = info.Name
	a.ProcessStatus = info.Status
	if err := x.state.Isolate(ctx, Isolation{
		PID:        d.PID,
		Name:       info.Name,
		IncidentID: d.IncidentID,
		Reason:     d.Reason,
		IsolatedAt: a.Timestamp,
	}); err != nil {
		return err
	}
	a.Status = StatusSuccess
	a.Message = fmt.Sprintf("Process %d (%s) marked for isolation", d.PID, info.Name)
	return nil
}

func (x *Executor) quarantine(ctx context.Context, d Directive, a *Action) error {
	a.DeviceID = d.DeviceID
	a.IP = d.IP
	if err := x.state.Quarantine(ctx, Quarantine{
		DeviceID:      d.DeviceID,
		IP:            d.IP,
		IncidentID:    d.IncidentID,
		QuarantinedAt: a.Timestamp,
	}); err != nil {
		return err
	}
	a.Status = StatusQuarantined
	a.Message = fmt.Sprintf("Device %s (%s) has been quarantined", d.DeviceID, d.IP)
	return nil
}

func (x *Executor) revoke(ctx context.Context, d Directive, a *Action) error {
	a.UserID = d.UserID
	if err := x.state.RevokeSession(ctx, d.UserID); err != nil {
		return err
	}
	a.Status = StatusRevoked
	a.Message = fmt.Sprintf("Session revocation requested for user %s", d.UserID)
	return nil
}

// ActionLog is a bounded, append-only record of executed actions.
type ActionLog struct {
	mu      sync.RWMutex
	entries []Action
	max     int
}

// NewActionLog creates a log holding at most size actions.
func NewActionLog(size int) *ActionLog {
	if size <= 0 {
		size = 1000
	}
	return &ActionLog{max: size}
}

// Append records an action, evicting the oldest entry when full.
func (l *ActionLog) Append(a Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.max {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, a)
}

// Recent returns up to limit of the latest actions, oldest first. A zero
// incident ID matches every action.
func (l *ActionLog) Recent(incidentID uuid.UUID, limit int) []Action {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Action
	for i := len(l.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		a := l.entries[i]
		if incidentID != uuid.Nil && a.IncidentID != incidentID {
			continue
		}
		out = append(out, a)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of logged actions.
func (l *ActionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
