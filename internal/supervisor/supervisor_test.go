package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"banksync-backend/internal/alert"
	"banksync-backend/internal/chrono"
	"banksync-backend/internal/driver"
	"banksync-backend/internal/driver/drivertest"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/ingest"
	"banksync-backend/internal/telemetry"

	"github.com/stretchr/testify/require"
)

var (
	errTransient = fault.New(fault.TransientUI, "test", fault.ErrTimeout)
	errFatal     = fault.New(fault.DriverFatal, "test", fault.ErrClosed)
	errDefense   = fault.Newf(fault.SessionDefense, "test", "blocked")
	errConfig    = fault.New(fault.Config, "test", fault.ErrInvalidCredentials)
)

// scriptedCycle returns outcomes in order, once they run out it cancels the
// loop.
type scriptedCycle struct {
	mutex    sync.Mutex
	outcomes []error
	calls    int
	resets   int
	cooldown time.Duration
	cancel   context.CancelFunc
	panicAt  int
	// elapsed is how long each scripted outcome takes on clock
	elapsed time.Duration
	clock   *chrono.FakeTime
}

func (c *scriptedCycle) Run(ctx context.Context, page driver.Page) (ingest.Report, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.calls++
	if c.panicAt == c.calls {
		panic("unexpected markup")
	}
	if c.calls > len(c.outcomes) {
		c.cancel()
		return ingest.Report{}, ctx.Err()
	}
	if c.clock != nil {
		c.clock.Advance(c.elapsed)
	}
	return ingest.Report{RunID: "run"}, c.outcomes[c.calls-1]
}

func (c *scriptedCycle) Cooldown() time.Duration {
	return c.cooldown
}

func (c *scriptedCycle) ResetSession() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.resets++
}

type recordingAlerter struct {
	mutex  sync.Mutex
	alerts []alert.Alert
}

func (a *recordingAlerter) Send(ctx context.Context, al alert.Alert) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

type fixture struct {
	runner  *Runner
	cycle   *scriptedCycle
	site    *drivertest.Site
	browser *drivertest.Browser
	clock   *chrono.FakeTime
	alerter *recordingAlerter
}

func newFixture(outcomes ...error) (fixture, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	site := drivertest.NewSite("blank", map[string]*drivertest.Screen{"blank": {URL: "about:blank"}})
	browser := &drivertest.Browser{Site: site}
	cycle := &scriptedCycle{outcomes: outcomes, cancel: cancel}
	clock := chrono.NewFakeTime(time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	alerter := &recordingAlerter{}
	runner := NewRunner(Config{Account: "bank"}, cycle, browser, alerter, nil, clock, telemetry.NewRecorder())
	return fixture{
		runner:  runner,
		cycle:   cycle,
		site:    site,
		browser: browser,
		clock:   clock,
		alerter: alerter,
	}, ctx
}

func TestBackoffMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for failures := 1; failures <= 10; failures++ {
		d := Backoff(DefaultBackoff, failures)
		require.GreaterOrEqual(t, d, prev, "failures=%d", failures)
		prev = d
	}
	for i, want := range DefaultBackoff {
		require.Equal(t, want, Backoff(DefaultBackoff, i+1))
	}
	require.Equal(t, 30*time.Minute, Backoff(DefaultBackoff, 100))
	require.Zero(t, Backoff(DefaultBackoff, 0))
}

func TestTransientFailuresFollowTable(t *testing.T) {
	f, ctx := newFixture(errTransient, errTransient, errTransient)
	require.NoError(t, f.runner.Run(ctx))

	require.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 5 * time.Minute}, f.clock.Waits())
	// every attempt, including the cancelled one, is torn down
	require.Equal(t, 4, f.site.Closed())
	require.Equal(t, Idle, f.runner.Status().Phase)
}

func TestDriverFatalRetriesImmediately(t *testing.T) {
	fatal, ctx := newFixture(errTransient, errFatal)
	require.NoError(t, fatal.runner.Run(ctx))

	transient, ctx := newFixture(errTransient, errTransient)
	require.NoError(t, transient.runner.Run(ctx))

	require.Equal(t, []time.Duration{time.Minute}, fatal.clock.Waits())
	require.Equal(t, 1, fatal.site.Restarts())
	require.Equal(t, 1, fatal.cycle.resets)

	require.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, transient.clock.Waits())
	require.Zero(t, transient.site.Restarts())
}

func TestDriverFatalFallsBackAfterMaxRestarts(t *testing.T) {
	f, ctx := newFixture(errFatal, errFatal, errFatal, errFatal)
	require.NoError(t, f.runner.Run(ctx))

	require.Equal(t, []time.Duration{10 * time.Minute}, f.clock.Waits())
	require.Equal(t, 4, f.site.Restarts())
}

func TestFailedRestartUsesTable(t *testing.T) {
	f, ctx := newFixture(errFatal)
	f.browser.RestartErr = errors.New("chrome would not start")
	require.NoError(t, f.runner.Run(ctx))

	require.Equal(t, []time.Duration{time.Minute}, f.clock.Waits())
}

func TestSuccessResetsFailures(t *testing.T) {
	f, ctx := newFixture(errTransient, errTransient, nil, errTransient)
	require.NoError(t, f.runner.Run(ctx))

	require.Equal(t, []time.Duration{
		time.Minute,
		2 * time.Minute,
		DefaultPollInterval,
		time.Minute,
	}, f.clock.Waits())
}

func TestSessionDefenseWaitsCooldown(t *testing.T) {
	f, ctx := newFixture(errDefense, errDefense, errDefense)
	f.cycle.cooldown = 10 * time.Minute
	require.NoError(t, f.runner.Run(ctx))

	require.Equal(t, []time.Duration{10 * time.Minute, 10 * time.Minute, 10 * time.Minute}, f.clock.Waits())
	require.Len(t, f.alerter.alerts, 1)
	require.Equal(t, alert.Warning, f.alerter.alerts[0].Severity)
	require.Equal(t, "bank", f.alerter.alerts[0].Account)
}

func TestSessionDefenseCooldownCountsFromBlock(t *testing.T) {
	f, ctx := newFixture(errDefense)
	f.cycle.cooldown = 10 * time.Minute
	f.cycle.elapsed = 30 * time.Second
	f.cycle.clock = f.clock
	start := f.clock.Now()
	blockedUntil := start.Add(30 * time.Second).Add(10 * time.Minute)

	var retryAt time.Time
	f.clock.OnWait(func(time.Duration) {
		if retryAt.IsZero() {
			retryAt = f.clock.Now()
		}
	})
	require.NoError(t, f.runner.Run(ctx))

	require.Equal(t, []time.Duration{10 * time.Minute}, f.clock.Waits())
	require.False(t, retryAt.Before(blockedUntil), "retried at %s, blocked until %s", retryAt, blockedUntil)
}

func TestConfigErrorStopsAccount(t *testing.T) {
	f, ctx := newFixture(errConfig, nil)
	require.NoError(t, f.runner.Run(ctx))

	require.Equal(t, 1, f.cycle.calls)
	require.Empty(t, f.clock.Waits())
	require.Len(t, f.alerter.alerts, 1)
	require.Equal(t, alert.Critical, f.alerter.alerts[0].Severity)

	status := f.runner.Status()
	require.Equal(t, Stopped, status.Phase)
	require.Equal(t, fault.Config.String(), status.LastErrKind)
	require.Equal(t, 1, f.site.Closed())
}

type countingGate struct {
	notReady int
	checks   int
}

func (g *countingGate) Ready(ctx context.Context) (bool, string) {
	g.checks++
	if g.checks <= g.notReady {
		return false, "low memory"
	}
	return true, ""
}

func TestGateHoldsCyclesBack(t *testing.T) {
	f, ctx := newFixture(nil)
	f.runner.gate = &countingGate{notReady: 2}
	require.NoError(t, f.runner.Run(ctx))

	require.Equal(t, []time.Duration{DefaultGateRetry, DefaultGateRetry, DefaultPollInterval}, f.clock.Waits())
	require.Zero(t, f.runner.Status().Failures)
}

func TestPanicIsAFailure(t *testing.T) {
	f, ctx := newFixture(nil)
	f.cycle.panicAt = 1
	f.cycle.outcomes = []error{nil, nil}
	require.NoError(t, f.runner.Run(ctx))

	waits := f.clock.Waits()
	require.Equal(t, time.Minute, waits[0])
	require.Equal(t, 3, f.site.Closed())
}

func TestStatusAfterSuccess(t *testing.T) {
	f, ctx := newFixture(nil)
	var seen Status
	f.clock.OnWait(func(time.Duration) {
		if seen.Phase == "" {
			seen = f.runner.Status()
		}
	})
	require.NoError(t, f.runner.Run(ctx))

	require.Equal(t, Succeeded, seen.Phase)
	require.Equal(t, "run", seen.LastReport.RunID)
	require.False(t, seen.LastSuccess.IsZero())
	require.Equal(t, seen.LastAttempt.Add(DefaultPollInterval), seen.NextAttempt)
}

func TestGroup(t *testing.T) {
	// a cancels the shared context once its outcomes run out, b stops on
	// its own after a configuration error
	a, ctx := newFixture(nil, errTransient)
	b, _ := newFixture(errConfig)

	group := NewGroup(a.runner, b.runner)
	require.NoError(t, group.Run(ctx))

	statuses := group.Statuses()
	require.Len(t, statuses, 2)
	st, ok := group.Status("bank")
	require.True(t, ok)
	require.Equal(t, "bank", st.Account)
	require.Equal(t, Stopped, statuses[1].Phase)
}
