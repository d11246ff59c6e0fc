package forensics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSource reads the local host through gopsutil. It only observes.
type SystemSource struct{}

// Host returns host, CPU and memory information.
func (SystemSource) Host(ctx context.Context) (HostInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, fmt.Errorf("host info: %w", err)
	}
	out := HostInfo{
		Hostname:      info.Hostname,
		OS:            info.OS,
		Platform:      info.Platform + " " + info.PlatformVersion,
		KernelVersion: info.KernelVersion,
		UptimeSeconds: info.Uptime,
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.CPUCount = n
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryTotal = vm.Total
		out.MemoryUsed = vm.Used
		out.MemoryPercent = vm.UsedPercent
	}
	return out, nil
}

// Processes lists running processes. Processes that exit while being read are
// skipped.
func (s SystemSource) Processes(ctx context.Context) ([]ProcessSnapshot, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]ProcessSnapshot, 0, len(procs))
	for _, p := range procs {
		snap, err := snapshot(ctx, p)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Process returns one process by pid.
func (SystemSource) Process(ctx context.Context, pid int32) (ProcessSnapshot, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessSnapshot{}, fmt.Errorf("process %d: %w", pid, err)
	}
	return snapshot(ctx, p)
}

// Connections returns the number of open inet sockets.
func (SystemSource) Connections(ctx context.Context) (int, error) {
	conns, err := net.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return 0, fmt.Errorf("connections: %w", err)
	}
	return len(conns), nil
}

func snapshot(ctx context.Context, p *process.Process) (ProcessSnapshot, error) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ProcessSnapshot{}, err
	}
	snap := ProcessSnapshot{PID: p.Pid, Name: name}
	snap.Username, _ = p.UsernameWithContext(ctx)
	snap.Cmdline, _ = p.CmdlineWithContext(ctx)
	snap.CPUPercent, _ = p.CPUPercentWithContext(ctx)
	snap.MemoryPercent, _ = p.MemoryPercentWithContext(ctx)
	return snap, nil
}

var _ HostSource = SystemSource{}
