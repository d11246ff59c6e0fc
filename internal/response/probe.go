package response

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrProcessNotFound is returned when a pid does not exist.
var ErrProcessNotFound = errors.New("process not found")

// ProcessInfo describes a live process.
type ProcessInfo struct {
	PID    int32  `json:"pid"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ProcessProbe looks up processes on the local host.
type ProcessProbe interface {
	Lookup(ctx context.Context, pid int32) (ProcessInfo, error)
}

// HostProbe reads the process table through gopsutil. It never signals or
// terminates a process.
type HostProbe struct{}

func (HostProbe) Lookup(ctx context.Context, pid int32) (ProcessInfo, error) {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil {
		return ProcessInfo{}, err
	}
	if !exists {
		return ProcessInfo{}, ErrProcessNotFound
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessInfo{}, ErrProcessNotFound
	}

	info := ProcessInfo{PID: pid}
	if info.Name, err = p.NameWithContext(ctx); err != nil {
		return info, err
	}
	if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 {
		info.Status = status[0]
	}
	return info, nil
}
