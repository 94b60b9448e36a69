package procguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"banksync-backend/internal/telemetry"

	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard(0, telemetry.NewRecorder())
	require.Equal(t, uint64(DefaultMinAvailable), g.MinAvailable)

	g.available = func(context.Context) (uint64, error) { return 512 << 20, nil }
	ok, reason := g.Ready(ctx)
	require.False(t, ok)
	require.Contains(t, reason, "512 MB")

	g.available = func(context.Context) (uint64, error) { return 2 << 30, nil }
	ok, _ = g.Ready(ctx)
	require.True(t, ok)
}

func TestMemoryGuardReadFailure(t *testing.T) {
	tel := telemetry.NewRecorder()
	g := NewMemoryGuard(0, tel)
	g.available = func(context.Context) (uint64, error) { return 0, errors.New("no /proc") }

	ok, _ := g.Ready(context.Background())
	require.True(t, ok)
	require.Len(t, tel.Reports("warning", report_procguard_memory), 1)
}

func TestMemoryGuardReadsHost(t *testing.T) {
	g := NewMemoryGuard(1, telemetry.NewRecorder())
	ok, _ := g.Ready(context.Background())
	require.True(t, ok)
}

type fakeProc struct {
	pid        int32
	name       string
	ppid       int32
	started    time.Time
	terminated bool
}

func (f *fakeProc) PID() int32                                 { return f.pid }
func (f *fakeProc) Name(context.Context) (string, error)       { return f.name, nil }
func (f *fakeProc) ParentPID(context.Context) (int32, error)   { return f.ppid, nil }
func (f *fakeProc) Started(context.Context) (time.Time, error) { return f.started, nil }
func (f *fakeProc) Terminate(context.Context) error {
	f.terminated = true
	return nil
}

func TestReaper(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	procs := []*fakeProc{
		{pid: 10, name: "chrome", ppid: 1, started: now.Add(-time.Hour)},
		{pid: 11, name: "Chromium-browser", ppid: 1, started: now.Add(-time.Hour)},
		{pid: 12, name: "chrome", ppid: 500, started: now.Add(-time.Hour)},
		{pid: 13, name: "chrome", ppid: 1, started: now.Add(-time.Second)},
		{pid: 14, name: "postgres", ppid: 1, started: now.Add(-time.Hour)},
	}

	r := NewReaper(nil, time.Minute, telemetry.NewRecorder())
	r.now = func() time.Time { return now }
	r.list = func(context.Context) ([]Proc, error) {
		out := make([]Proc, len(procs))
		for i, p := range procs {
			out[i] = p
		}
		return out, nil
	}

	n, err := r.Reap(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var terminated []int32
	for _, p := range procs {
		if p.terminated {
			terminated = append(terminated, p.pid)
		}
	}
	require.Equal(t, []int32{10, 11}, terminated)
}
