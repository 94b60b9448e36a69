// Package procguard protects the host: it holds cycles back while memory is
// short and terminates browser processes left behind by crashed sessions.
package procguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"banksync-backend/internal/telemetry"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	report_procguard_memory = "procguard.memory"
	report_procguard_reap   = "procguard.reap"
)

const DefaultMinAvailable = 1 << 30

// MemoryGuard reports whether there is enough free memory to start a cycle.
type MemoryGuard struct {
	// MinAvailable in bytes, defaults to 1 GiB.
	MinAvailable uint64
	Tel          telemetry.API
	// available is replaced in tests.
	available func(ctx context.Context) (uint64, error)
}

func NewMemoryGuard(minAvailable uint64, tel telemetry.API) *MemoryGuard {
	if minAvailable == 0 {
		minAvailable = DefaultMinAvailable
	}
	return &MemoryGuard{
		MinAvailable: minAvailable,
		Tel:          tel,
		available: func(ctx context.Context) (uint64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
	}
}

// Ready is false with a reason when available memory is under the threshold.
// A failed reading does not hold cycles back.
func (g *MemoryGuard) Ready(ctx context.Context) (bool, string) {
	available, err := g.available(ctx)
	if err != nil {
		g.Tel.ReportWarning(report_procguard_memory, err)
		return true, ""
	}
	if available < g.MinAvailable {
		return false, fmt.Sprintf("available memory %d MB is below %d MB", available>>20, g.MinAvailable>>20)
	}
	return true, ""
}

// Proc is the part of a process the reaper looks at.
type Proc interface {
	PID() int32
	Name(ctx context.Context) (string, error)
	ParentPID(ctx context.Context) (int32, error)
	Started(ctx context.Context) (time.Time, error)
	Terminate(ctx context.Context) error
}

type gopsProc struct {
	p *process.Process
}

func (g gopsProc) PID() int32 {
	return g.p.Pid
}

func (g gopsProc) Name(ctx context.Context) (string, error) {
	return g.p.NameWithContext(ctx)
}

func (g gopsProc) ParentPID(ctx context.Context) (int32, error) {
	return g.p.PpidWithContext(ctx)
}

func (g gopsProc) Started(ctx context.Context) (time.Time, error) {
	ms, err := g.p.CreateTimeWithContext(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (g gopsProc) Terminate(ctx context.Context) error {
	return g.p.TerminateWithContext(ctx)
}

func listProcesses(ctx context.Context) ([]Proc, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, len(procs))
	for i, p := range procs {
		out[i] = gopsProc{p: p}
	}
	return out, nil
}

var DefaultBrowserNames = []string{"chrome", "chromium", "headless_shell"}

// Reaper terminates browser processes that were reparented to init, which
// is what happens to the children of a crashed browser session.
type Reaper struct {
	// Names are case-insensitive substrings of process names.
	Names []string
	// MinAge spares processes younger than this, they may still be starting up.
	MinAge time.Duration
	Tel    telemetry.API

	now  func() time.Time
	list func(ctx context.Context) ([]Proc, error)
}

func NewReaper(names []string, minAge time.Duration, tel telemetry.API) *Reaper {
	if len(names) == 0 {
		names = DefaultBrowserNames
	}
	return &Reaper{
		Names:  names,
		MinAge: minAge,
		Tel:    telemetry.NewScopedAPI("procguard", tel),
		now:    time.Now,
		list:   listProcesses,
	}
}

func (r *Reaper) matches(name string) bool {
	name = strings.ToLower(name)
	for _, n := range r.Names {
		if strings.Contains(name, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// Reap terminates every orphaned browser process and returns how many it
// terminated. Processes that vanish while being inspected are ignored.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	procs, err := r.list(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	reaped := 0
	for _, p := range procs {
		name, err := p.Name(ctx)
		if err != nil || !r.matches(name) {
			continue
		}
		ppid, err := p.ParentPID(ctx)
		if err != nil || ppid != 1 {
			continue
		}
		if r.MinAge > 0 {
			started, err := p.Started(ctx)
			if err != nil || r.now().Sub(started) < r.MinAge {
				continue
			}
		}
		if err := p.Terminate(ctx); err != nil {
			r.Tel.ReportWarning(report_procguard_reap, err, p.PID(), name)
			continue
		}
		r.Tel.ReportDebug(report_procguard_reap, "terminated orphaned browser process", p.PID(), name)
		reaped++
	}
	return reaped, nil
}

// Run reaps on every interval tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reap(ctx); err != nil {
				r.Tel.ReportWarning(report_procguard_reap, err)
			}
		case <-ctx.Done():
			return
		}
	}
}
